package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/memfs"
	"github.com/go-git/go-billy/v6/util"
	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/strata/pkg/merge"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/refs"
	"github.com/odvcencio/strata/pkg/schema"
	"github.com/odvcencio/strata/pkg/tree"
)

func initEngine(t *testing.T, opts ...Option) (billy.Filesystem, *Engine) {
	t.Helper()
	ws := memfs.New()
	e, err := Init(ws, &Config{Author: "alice"}, opts...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ws, e
}

func usersOnly(text string) []Definition {
	return []Definition{{Kind: schema.KindTable, Name: "public.users", Text: text}}
}

func TestInitOpenRoundtrip(t *testing.T) {
	ws, e := initEngine(t)
	if e.Config().DefaultBranch != "main" {
		t.Fatalf("default branch = %q", e.Config().DefaultBranch)
	}

	if _, err := Init(ws, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init err = %v, want ErrAlreadyInitialized", err)
	}

	reopened, err := Open(ws)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Config().Author != "alice" {
		t.Fatalf("author after reopen = %q", reopened.Config().Author)
	}

	if _, err := Open(memfs.New()); !errors.Is(err, ErrNotRepository) {
		t.Fatalf("Open empty fs err = %v, want ErrNotRepository", err)
	}
}

func TestSnapshotCreatesAndAdvancesBranch(t *testing.T) {
	_, e := initEngine(t)
	ctx := context.Background()

	first, err := e.Snapshot(ctx, "main", "initial", usersOnly("create table public.users (id int)"))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	tip, err := e.ResolveBranch("main")
	if err != nil {
		t.Fatalf("ResolveBranch: %v", err)
	}
	if tip != first {
		t.Fatalf("tip = %s, want %s", tip, first)
	}

	// Semantically identical snapshot is a no-op.
	same, err := e.Snapshot(ctx, "main", "noop", usersOnly("CREATE TABLE public.users ( id INT )"))
	if err != nil {
		t.Fatalf("Snapshot(noop): %v", err)
	}
	if same != first {
		t.Fatalf("no-op snapshot created commit %s", same)
	}

	second, err := e.Snapshot(ctx, "main", "widen", usersOnly("create table public.users (id int, name text)"))
	if err != nil {
		t.Fatalf("Snapshot(widen): %v", err)
	}
	history, err := e.History("main", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Hash != second || history[1].Hash != first {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Commit.Author != "alice" {
		t.Fatalf("author = %q", history[0].Commit.Author)
	}
}

func TestApplyCaptureEvents(t *testing.T) {
	_, e := initEngine(t)
	ctx := context.Background()

	if _, err := e.Snapshot(ctx, "main", "initial", []Definition{
		{Kind: schema.KindTable, Name: "public.users", Text: "create table public.users (id int)"},
		{Kind: schema.KindTable, Name: "public.legacy", Text: "create table public.legacy (id int)"},
	}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	commit, err := e.Apply(ctx, "main", "capture", []DefinitionChange{
		{Kind: schema.KindTable, Name: "public.legacy"}, // drop
		{Kind: schema.KindView, Name: "public.totals", Text: "create view public.totals as select 1"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	changes, err := e.Diff("main", string(commit))
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("branch tip differs from applied commit: %v", changes)
	}

	if _, err := e.DefinitionAt("main", "view/public.totals"); err != nil {
		t.Fatalf("DefinitionAt(totals): %v", err)
	}
	if _, err := e.DefinitionAt("main", "table/public.legacy"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("DefinitionAt(dropped) err = %v, want ErrNotFound", err)
	}
}

func TestDiffAcrossBranches(t *testing.T) {
	_, e := initEngine(t)
	ctx := context.Background()

	if _, err := e.Snapshot(ctx, "main", "initial", usersOnly("create table public.users (id int)")); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := e.CreateBranch("feature", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := e.Snapshot(ctx, "feature", "widen", usersOnly("create table public.users (id int, name text)")); err != nil {
		t.Fatalf("Snapshot(feature): %v", err)
	}

	changes, err := e.Diff("main", "feature")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(changes) != 1 || changes[0].Type != tree.Modified || changes[0].Path != "table/public.users" {
		t.Fatalf("changes = %+v", changes)
	}

	// Unmerged feature cannot be deleted without force.
	if err := e.DeleteBranch("feature", false); !errors.Is(err, refs.ErrUnmergedChanges) {
		t.Fatalf("DeleteBranch err = %v, want ErrUnmergedChanges", err)
	}
}

func TestMergeSessionSurvivesReopen(t *testing.T) {
	ws, e := initEngine(t)
	ctx := context.Background()

	if _, err := e.Snapshot(ctx, "main", "initial", usersOnly("create table public.users (id int)")); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := e.CreateBranch("feature", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := e.Snapshot(ctx, "feature", "email", usersOnly("create table public.users (id int, email text)")); err != nil {
		t.Fatalf("Snapshot(feature): %v", err)
	}
	if _, err := e.Snapshot(ctx, "main", "name", usersOnly("create table public.users (id int, name text)")); err != nil {
		t.Fatalf("Snapshot(main): %v", err)
	}

	res, err := e.Merge(ctx, "feature", "main")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Status != merge.StatusAwaitingResolution {
		t.Fatalf("status = %s, want conflict", res.Status)
	}
	id := res.Session.ID

	// The session outlives the engine that opened it.
	reopened, err := Open(ws)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := reopened.ResolveConflict(id, "table/public.users", merge.ChoiceTheirs, ""); err != nil {
		t.Fatalf("ResolveConflict after reopen: %v", err)
	}
	final, err := reopened.FinalizeMerge(id)
	if err != nil {
		t.Fatalf("FinalizeMerge after reopen: %v", err)
	}
	tip, err := reopened.ResolveBranch("main")
	if err != nil {
		t.Fatalf("ResolveBranch: %v", err)
	}
	if tip != final.Commit {
		t.Fatalf("main tip = %s, want merge commit %s", tip, final.Commit)
	}

	// The theirs resolution kept the feature definition.
	def, err := reopened.DefinitionAt("main", "table/public.users")
	if err != nil {
		t.Fatalf("DefinitionAt: %v", err)
	}
	want, err := reopened.DefinitionAt("feature", "table/public.users")
	if err != nil {
		t.Fatalf("DefinitionAt(feature): %v", err)
	}
	if def != want {
		t.Fatalf("merged definition = %q, want %q", def, want)
	}

	// Finalized sessions do not linger for later processes.
	again, err := Open(ws)
	if err != nil {
		t.Fatalf("Open(again): %v", err)
	}
	if _, err := again.MergeSession(id); !errors.Is(err, merge.ErrNoSession) {
		t.Fatalf("MergeSession after finalize = %v, want ErrNoSession", err)
	}
}

func TestMergeBaseRevisions(t *testing.T) {
	_, e := initEngine(t)
	ctx := context.Background()

	forkPoint, err := e.Snapshot(ctx, "main", "initial", usersOnly("create table public.users (id int)"))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := e.CreateBranch("feature", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := e.Snapshot(ctx, "feature", "email", usersOnly("create table public.users (id int, email text)")); err != nil {
		t.Fatalf("Snapshot(feature): %v", err)
	}
	if _, err := e.Snapshot(ctx, "main", "name", usersOnly("create table public.users (id int, name text)")); err != nil {
		t.Fatalf("Snapshot(main): %v", err)
	}

	base, found, err := e.MergeBase("main", "feature")
	if err != nil {
		t.Fatalf("MergeBase: %v", err)
	}
	if !found || base != forkPoint {
		t.Fatalf("MergeBase = %s found=%v, want %s", base, found, forkPoint)
	}

	// Revisions may be raw commit hashes.
	base, found, err = e.MergeBase(string(forkPoint), "feature")
	if err != nil {
		t.Fatalf("MergeBase(hash): %v", err)
	}
	if !found || base != forkPoint {
		t.Fatalf("MergeBase(hash) = %s found=%v", base, found)
	}

	// Unrelated branches have no base.
	if _, err := e.Snapshot(ctx, "island", "rooted elsewhere", []Definition{
		{Kind: schema.KindTable, Name: "public.b", Text: "create table public.b (y int)"},
	}); err != nil {
		t.Fatalf("Snapshot(island): %v", err)
	}
	if _, found, err = e.MergeBase("main", "island"); err != nil {
		t.Fatalf("MergeBase(unrelated): %v", err)
	} else if found {
		t.Fatal("unrelated branches reported a common ancestor")
	}
}

func TestSignedCommits(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}

	_, e := initEngine(t, WithSigner(SignerFromSSH(sshSigner)))
	commit, err := e.Snapshot(context.Background(), "main", "signed",
		usersOnly("create table public.users (id int)"))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	c, err := e.Store().GetCommit(commit)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if c.Signature == "" {
		t.Fatal("commit is unsigned")
	}
	pub, err := VerifyCommitSignature(c)
	if err != nil {
		t.Fatalf("VerifyCommitSignature: %v", err)
	}
	if pub.Type() != sshSigner.PublicKey().Type() {
		t.Fatalf("key type = %s", pub.Type())
	}

	// Tampering with the covered fields invalidates the signature.
	c.Message = "rewritten"
	if _, err := VerifyCommitSignature(c); err == nil {
		t.Fatal("signature verified after tampering")
	}
}

func TestVerifyWalk(t *testing.T) {
	ws, e := initEngine(t)
	ctx := context.Background()

	commit, err := e.Snapshot(ctx, "main", "initial", []Definition{
		{Kind: schema.KindTable, Name: "public.users", Text: "create table public.users (id int)"},
		{Kind: schema.KindTable, Name: "public.orders", Text: "create table public.orders (id int)"},
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	report, err := e.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Clean() || report.Commits != 1 || report.Trees != 1 || report.Blobs != 2 {
		t.Fatalf("report = %+v", report)
	}

	// Swap one blob's bytes for another object's file to force a hash
	// mismatch.
	c, err := e.Store().GetCommit(commit)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	tr, err := e.Store().GetTree(c.TreeHash)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	victim, donor := tr.Entries[0].BlobHash, tr.Entries[1].BlobHash
	donorPath := ws.Join(RepoDirName, "objects", string(donor[:2]), string(donor[2:]))
	victimPath := ws.Join(RepoDirName, "objects", string(victim[:2]), string(victim[2:]))
	raw, err := util.ReadFile(ws, donorPath)
	if err != nil {
		t.Fatalf("read donor object: %v", err)
	}
	if err := util.WriteFile(ws, victimPath, raw, 0o644); err != nil {
		t.Fatalf("overwrite victim object: %v", err)
	}

	report, err = e.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify after corruption: %v", err)
	}
	if report.Clean() {
		t.Fatal("corruption not reported")
	}
	if len(report.Corrupt) != 1 || report.Corrupt[0] != victim {
		t.Fatalf("corrupt = %v, want [%s]", report.Corrupt, victim)
	}
}
