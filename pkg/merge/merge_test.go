package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/memfs"

	"github.com/odvcencio/strata/pkg/graph"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/refs"
	"github.com/odvcencio/strata/pkg/schema"
)

type harness struct {
	t      *testing.T
	fs     billy.Filesystem
	store  *object.Store
	graph  *graph.Index
	refs   *refs.DB
	engine *Engine
	seq    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := memfs.New()
	store, err := object.NewStore(fs)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	index := graph.NewIndex(store)
	refDB := refs.NewDB(fs, index.ReachableFromAny)
	sessions, err := fs.Chroot("sessions")
	if err != nil {
		t.Fatalf("Chroot: %v", err)
	}
	return &harness{
		t:      t,
		fs:     fs,
		store:  store,
		graph:  index,
		refs:   refDB,
		engine: NewEngine(store, index, refDB, WithSessionStorage(sessions)),
	}
}

// newProcess builds a second engine over the same filesystem with cold
// caches, the way a fresh process would see the repository.
func (h *harness) newProcess() *Engine {
	h.t.Helper()
	store, err := object.NewStore(h.fs)
	if err != nil {
		h.t.Fatalf("NewStore: %v", err)
	}
	index := graph.NewIndex(store)
	refDB := refs.NewDB(h.fs, index.ReachableFromAny)
	sessions, err := h.fs.Chroot("sessions")
	if err != nil {
		h.t.Fatalf("Chroot: %v", err)
	}
	return NewEngine(store, index, refDB, WithSessionStorage(sessions))
}

// snapshot normalizes the given definitions, commits them as a complete
// snapshot on branch, and advances (or creates) the branch ref.
func (h *harness) snapshot(branch string, defs map[schema.Kind]map[string]string) object.Hash {
	h.t.Helper()
	h.seq++

	var entries []object.TreeEntry
	for kind, byName := range defs {
		for name, raw := range byName {
			canonical, err := schema.Normalize(kind, raw)
			if err != nil {
				h.t.Fatalf("Normalize(%s %s): %v", kind, name, err)
			}
			blobHash, err := h.store.PutBlob(&object.Blob{Data: []byte(canonical)})
			if err != nil {
				h.t.Fatalf("PutBlob: %v", err)
			}
			entries = append(entries, object.TreeEntry{
				Path:     schema.Path(kind, name),
				Mode:     object.ModeDefinition,
				BlobHash: blobHash,
			})
		}
	}
	treeHash, err := h.store.PutTree(entries)
	if err != nil {
		h.t.Fatalf("PutTree: %v", err)
	}

	var parents []object.Hash
	tip, err := h.refs.Resolve(branch)
	switch {
	case err == nil:
		parents = []object.Hash{tip}
	case errors.Is(err, refs.ErrNotFound):
	default:
		h.t.Fatalf("Resolve(%s): %v", branch, err)
	}

	commitHash, err := h.store.PutCommit(&object.CommitObj{
		TreeHash:  treeHash,
		Parents:   parents,
		Author:    "test",
		Timestamp: int64(h.seq),
		Message:   "snapshot",
	})
	if err != nil {
		h.t.Fatalf("PutCommit: %v", err)
	}

	if len(parents) == 0 {
		if err := h.refs.Create(branch, commitHash); err != nil {
			h.t.Fatalf("Create(%s): %v", branch, err)
		}
	} else if err := h.refs.UpdateCAS(branch, commitHash, parents[0]); err != nil {
		h.t.Fatalf("UpdateCAS(%s): %v", branch, err)
	}
	return commitHash
}

// fork creates branch at the current tip of from.
func (h *harness) fork(branch, from string) {
	h.t.Helper()
	tip, err := h.refs.Resolve(from)
	if err != nil {
		h.t.Fatalf("Resolve(%s): %v", from, err)
	}
	if err := h.refs.Create(branch, tip); err != nil {
		h.t.Fatalf("Create(%s): %v", branch, err)
	}
}

func (h *harness) tip(branch string) object.Hash {
	h.t.Helper()
	tip, err := h.refs.Resolve(branch)
	if err != nil {
		h.t.Fatalf("Resolve(%s): %v", branch, err)
	}
	return tip
}

func (h *harness) treeOf(commit object.Hash) map[string]object.Hash {
	h.t.Helper()
	c, err := h.store.GetCommit(commit)
	if err != nil {
		h.t.Fatalf("GetCommit: %v", err)
	}
	t, err := h.store.GetTree(c.TreeHash)
	if err != nil {
		h.t.Fatalf("GetTree: %v", err)
	}
	byPath := make(map[string]object.Hash, len(t.Entries))
	for _, e := range t.Entries {
		byPath[e.Path] = e.BlobHash
	}
	return byPath
}

func tables(defs map[string]string) map[schema.Kind]map[string]string {
	return map[schema.Kind]map[string]string{schema.KindTable: defs}
}

func TestMergeFastForward(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")
	featureTip := h.snapshot("feature", tables(map[string]string{
		"public.users": "create table public.users (id int, name text)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusFastForward {
		t.Fatalf("status = %s, want %s", res.Status, StatusFastForward)
	}
	if res.Commit != featureTip {
		t.Fatalf("commit = %s, want feature tip %s", res.Commit, featureTip)
	}
	if h.tip("main") != featureTip {
		t.Fatal("main ref did not advance to feature tip")
	}
}

func TestMergeUpToDate(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")
	mainTip := h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (id int, name text)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusUpToDate {
		t.Fatalf("status = %s, want %s", res.Status, StatusUpToDate)
	}
	if h.tip("main") != mainTip {
		t.Fatal("main ref moved on an up-to-date merge")
	}
}

func TestMergeCleanDivergence(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{
		"public.users":  "create table public.users (id int)",
		"public.orders": "create table public.orders (id int)",
	}))
	h.fork("feature", "main")
	sourceTip := h.snapshot("feature", tables(map[string]string{
		"public.users":  "create table public.users (id int)",
		"public.orders": "create table public.orders (id int, total numeric)",
	}))
	targetTip := h.snapshot("main", tables(map[string]string{
		"public.users":  "create table public.users (id int, name text)",
		"public.orders": "create table public.orders (id int)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}

	c, err := h.store.GetCommit(res.Commit)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if len(c.Parents) != 2 || c.Parents[0] != targetTip || c.Parents[1] != sourceTip {
		t.Fatalf("parents = %v, want [target %s, source %s]", c.Parents, targetTip, sourceTip)
	}

	merged := h.treeOf(res.Commit)
	if merged["table/public.users"] != h.treeOf(targetTip)["table/public.users"] {
		t.Error("target-side change to users was lost")
	}
	if merged["table/public.orders"] != h.treeOf(sourceTip)["table/public.orders"] {
		t.Error("source-side change to orders was lost")
	}
	if h.tip("main") != res.Commit {
		t.Fatal("main ref did not advance to merge commit")
	}

	// Modes come from the contributing side's entries, not a rewrite.
	mergedTree, err := h.store.GetTree(c.TreeHash)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	for _, entry := range mergedTree.Entries {
		if entry.Mode != object.ModeDefinition {
			t.Errorf("entry %s mode = %q, want %q", entry.Path, entry.Mode, object.ModeDefinition)
		}
	}
}

func TestMergeConvergentChangesDoNotConflict(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")

	// Same semantic change on both sides, different formatting.
	h.snapshot("feature", tables(map[string]string{
		"public.users": "CREATE TABLE public.users (id INT, name TEXT)",
	}))
	h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (\n  id int,\n  name text\n)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
}

func TestMergeConflictSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")
	sourceTip := h.snapshot("feature", tables(map[string]string{
		"public.users": "create table public.users (id int, email text)",
	}))
	targetTip := h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (id int, name text)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusAwaitingResolution {
		t.Fatalf("status = %s, want %s", res.Status, StatusAwaitingResolution)
	}
	session := res.Session
	if session == nil || session.ID == "" {
		t.Fatal("conflicted merge returned no session")
	}
	if h.tip("main") != targetTip {
		t.Fatal("main ref moved while conflicts are unresolved")
	}

	conflicts := session.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Path != "table/public.users" || c.BaseHash == "" || c.SourceHash == "" || c.TargetHash == "" {
		t.Fatalf("conflict = %+v", c)
	}

	// Finalizing early must fail.
	if _, err := h.engine.Finalize(session.ID); !errors.Is(err, ErrUnresolvedConflicts) {
		t.Fatalf("early Finalize err = %v, want ErrUnresolvedConflicts", err)
	}

	// A custom resolution combining both sides, messy formatting included.
	custom := "CREATE TABLE public.users (id int,\n  name text, email text)"
	if err := h.engine.Resolve(session.ID, c.Path, ChoiceCustom, custom); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Resolving again with a different choice replaces the earlier one,
	// then put the custom resolution back.
	if err := h.engine.Resolve(session.ID, c.Path, ChoiceOurs, ""); err != nil {
		t.Fatalf("re-Resolve: %v", err)
	}
	if err := h.engine.Resolve(session.ID, c.Path, ChoiceCustom, custom); err != nil {
		t.Fatalf("Resolve(custom again): %v", err)
	}

	final, err := h.engine.Finalize(session.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s", final.Status)
	}

	mergeCommit, err := h.store.GetCommit(final.Commit)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if len(mergeCommit.Parents) != 2 || mergeCommit.Parents[0] != targetTip || mergeCommit.Parents[1] != sourceTip {
		t.Fatalf("parents = %v, want [%s %s]", mergeCommit.Parents, targetTip, sourceTip)
	}

	canonical, err := schema.Normalize(schema.KindTable, custom)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	wantHash, err := h.store.PutBlob(&object.Blob{Data: []byte(canonical)})
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if got := h.treeOf(final.Commit)["table/public.users"]; got != wantHash {
		t.Fatalf("merged definition hash = %s, want normalized custom %s", got, wantHash)
	}
	if h.tip("main") != final.Commit {
		t.Fatal("main ref did not advance after finalize")
	}
	if session.Status() != StatusCompleted {
		t.Fatalf("session status = %s", session.Status())
	}
}

func TestMergeDeleteVersusModifyConflicts(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{
		"public.users":  "create table public.users (id int)",
		"public.orders": "create table public.orders (id int)",
	}))
	h.fork("feature", "main")
	// Source drops users, target modifies it.
	h.snapshot("feature", tables(map[string]string{
		"public.orders": "create table public.orders (id int)",
	}))
	h.snapshot("main", tables(map[string]string{
		"public.users":  "create table public.users (id int, name text)",
		"public.orders": "create table public.orders (id int)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusAwaitingResolution {
		t.Fatalf("status = %s, want conflict", res.Status)
	}
	conflicts := res.Session.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", conflicts)
	}
	c := conflicts[0]
	if c.SourceHash != "" || c.TargetHash == "" {
		t.Fatalf("delete-vs-modify shape wrong: %+v", c)
	}

	// Taking theirs accepts the deletion.
	if err := h.engine.Resolve(res.Session.ID, c.Path, ChoiceTheirs, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	final, err := h.engine.Finalize(res.Session.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, exists := h.treeOf(final.Commit)["table/public.users"]; exists {
		t.Fatal("deleted path survived a theirs resolution")
	}
}

func TestMergeAddAddConflict(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.base": "create table public.base (id int)"}))
	h.fork("feature", "main")
	h.snapshot("feature", tables(map[string]string{
		"public.base": "create table public.base (id int)",
		"public.new":  "create table public.new (a int)",
	}))
	h.snapshot("main", tables(map[string]string{
		"public.base": "create table public.base (id int)",
		"public.new":  "create table public.new (b int)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusAwaitingResolution {
		t.Fatalf("status = %s, want conflict", res.Status)
	}
	c := res.Session.Conflicts()[0]
	if c.BaseHash != "" || c.SourceHash == "" || c.TargetHash == "" {
		t.Fatalf("add/add shape wrong: %+v", c)
	}
}

func TestFinalizeFailsOnConcurrentTargetMove(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")
	h.snapshot("feature", tables(map[string]string{
		"public.users": "create table public.users (id int, email text)",
	}))
	h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (id int, name text)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	session := res.Session
	if err := h.engine.Resolve(session.ID, "table/public.users", ChoiceOurs, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Another writer advances main while the session is open.
	h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (id int, name text, age int)",
	}))

	if _, err := h.engine.Finalize(session.ID); !errors.Is(err, refs.ErrConcurrentUpdate) {
		t.Fatalf("Finalize err = %v, want ErrConcurrentUpdate", err)
	}
	// The session survives for a retry against the new tip.
	if session.Status() != StatusAwaitingResolution {
		t.Fatalf("session status = %s, want still awaiting", session.Status())
	}
}

func TestAbortDiscardsSession(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")
	h.snapshot("feature", tables(map[string]string{
		"public.users": "create table public.users (id int, email text)",
	}))
	mainTip := h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (id int, name text)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := h.engine.Abort(res.Session.ID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if h.tip("main") != mainTip {
		t.Fatal("abort moved the target ref")
	}
	if _, err := h.engine.Session(res.Session.ID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Session after abort = %v, want ErrNoSession", err)
	}
	if err := h.engine.Resolve(res.Session.ID, "table/public.users", ChoiceOurs, ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Resolve after abort = %v, want ErrNoSession", err)
	}
	// The abort also removed the stored session, so a fresh engine cannot
	// resurrect it.
	if _, err := h.newProcess().Session(res.Session.ID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("aborted session loaded by new engine: %v", err)
	}
}

func TestSessionSurvivesNewEngine(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.users": "create table public.users (id int)"}))
	h.fork("feature", "main")
	sourceTip := h.snapshot("feature", tables(map[string]string{
		"public.users": "create table public.users (id int, email text)",
	}))
	targetTip := h.snapshot("main", tables(map[string]string{
		"public.users": "create table public.users (id int, name text)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != StatusAwaitingResolution {
		t.Fatalf("status = %s, want conflict", res.Status)
	}
	id := res.Session.ID

	// A second engine over the same filesystem picks the session up.
	second := h.newProcess()
	loaded, err := second.Session(id)
	if err != nil {
		t.Fatalf("Session after handoff: %v", err)
	}
	if loaded.Source != "feature" || loaded.Target != "main" ||
		loaded.SourceCommit != sourceTip || loaded.TargetCommit != targetTip {
		t.Fatalf("loaded session = %+v", loaded)
	}
	conflicts := loaded.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Path != "table/public.users" {
		t.Fatalf("loaded conflicts = %+v", conflicts)
	}

	if err := second.Resolve(id, "table/public.users", ChoiceTheirs, ""); err != nil {
		t.Fatalf("Resolve via second engine: %v", err)
	}
	final, err := second.Finalize(id)
	if err != nil {
		t.Fatalf("Finalize via second engine: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s", final.Status)
	}
	if h.tip("main") != final.Commit {
		t.Fatal("main ref did not advance after handoff finalize")
	}
	if got := h.treeOf(final.Commit)["table/public.users"]; got != h.treeOf(sourceTip)["table/public.users"] {
		t.Fatalf("theirs resolution hash = %s", got)
	}

	// Finalize removed the stored session.
	if _, err := h.newProcess().Session(id); !errors.Is(err, ErrNoSession) {
		t.Fatalf("finalized session loaded by new engine: %v", err)
	}
}

func TestResolutionsPersistAcrossEngines(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{
		"public.users":  "create table public.users (id int)",
		"public.orders": "create table public.orders (id int)",
	}))
	h.fork("feature", "main")
	h.snapshot("feature", tables(map[string]string{
		"public.users":  "create table public.users (id int, email text)",
		"public.orders": "create table public.orders (id int, total numeric)",
	}))
	h.snapshot("main", tables(map[string]string{
		"public.users":  "create table public.users (id int, name text)",
		"public.orders": "create table public.orders (id int, shipped bool)",
	}))

	res, err := h.engine.Merge(context.Background(), "feature", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(res.Session.Conflicts()) != 2 {
		t.Fatalf("conflicts = %+v", res.Session.Conflicts())
	}

	// One conflict resolved here, the other by a later engine.
	if err := h.engine.Resolve(res.Session.ID, "table/public.orders", ChoiceOurs, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	second := h.newProcess()
	loaded, err := second.Session(res.Session.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	for _, c := range loaded.Conflicts() {
		switch c.Path {
		case "table/public.orders":
			if !c.Resolved || c.ResolvedHash == "" {
				t.Fatalf("orders resolution lost in handoff: %+v", c)
			}
		case "table/public.users":
			if c.Resolved {
				t.Fatalf("users conflict resolved prematurely: %+v", c)
			}
		}
	}
	if err := second.Resolve(res.Session.ID, "table/public.users", ChoiceOurs, ""); err != nil {
		t.Fatalf("Resolve via second engine: %v", err)
	}
	if _, err := second.Finalize(res.Session.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestMergeUnrelatedHistories(t *testing.T) {
	h := newHarness(t)
	h.snapshot("main", tables(map[string]string{"public.a": "create table public.a (x int)"}))
	h.snapshot("other", tables(map[string]string{"public.b": "create table public.b (y int)"}))

	res, err := h.engine.Merge(context.Background(), "other", "main", "test")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// Disjoint additions under an empty base merge cleanly.
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
	merged := h.treeOf(res.Commit)
	if len(merged) != 2 {
		t.Fatalf("merged tree = %v, want both tables", merged)
	}
}
