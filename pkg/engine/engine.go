// Package engine ties the object store, branch refs, commit graph, differ
// and merge machinery into one repository facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-billy/v6"

	"github.com/odvcencio/strata/pkg/drift"
	"github.com/odvcencio/strata/pkg/graph"
	"github.com/odvcencio/strata/pkg/merge"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/refs"
	"github.com/odvcencio/strata/pkg/schema"
	"github.com/odvcencio/strata/pkg/tree"
)

// RepoDirName is the repository data directory created under a workspace.
const RepoDirName = ".strata"

// sessionsDirName holds open merge sessions inside the repository dir, so a
// conflicted merge can be resolved by a later process.
const sessionsDirName = "merge-sessions"

var (
	ErrNotRepository      = errors.New("engine: not a strata repository")
	ErrAlreadyInitialized = errors.New("engine: repository already initialized")
)

// Engine is a schema version control repository.
type Engine struct {
	fs     billy.Filesystem // rooted at the repository data dir.
	store  *object.Store
	refs   *refs.DB
	graph  *graph.Index
	index  *tree.Index
	merges *merge.Engine
	config *Config
	log    *slog.Logger
	signer CommitSigner
	now    func() time.Time
}

// Option configures an Engine at open time.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSigner signs every commit the engine writes.
func WithSigner(signer CommitSigner) Option {
	return func(e *Engine) { e.signer = signer }
}

// Init creates a new repository under workspace/.strata and opens it. The
// workspace filesystem is typically osfs for the CLI and memfs in tests.
func Init(workspace billy.Filesystem, cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	if err := workspace.MkdirAll(RepoDirName, 0o755); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	fs, err := workspace.Chroot(RepoDirName)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if _, err := fs.Stat(configFileName); err == nil {
		return nil, ErrAlreadyInitialized
	}
	if err := writeConfig(fs, cfg); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return open(fs, cfg, opts...)
}

// Open opens an existing repository under workspace/.strata.
func Open(workspace billy.Filesystem, opts ...Option) (*Engine, error) {
	fs, err := workspace.Chroot(RepoDirName)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	cfg, err := readConfig(fs)
	if err != nil {
		return nil, err
	}
	return open(fs, cfg, opts...)
}

func open(fs billy.Filesystem, cfg *Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		fs:     fs,
		config: cfg,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	// The observer closes over e.index so the store and index can reference
	// each other.
	store, err := object.NewStore(fs, object.WithTreeObserver(
		func(h object.Hash, entries []object.TreeEntry) { e.index.Observe(h, entries) },
	))
	if err != nil {
		return nil, err
	}
	e.store = store
	e.index = tree.NewIndex(store)
	e.graph = graph.NewIndex(store)
	e.refs = refs.NewDB(fs, e.graph.ReachableFromAny)

	if err := fs.MkdirAll(sessionsDirName, 0o755); err != nil {
		return nil, err
	}
	sessionFS, err := fs.Chroot(sessionsDirName)
	if err != nil {
		return nil, err
	}
	e.merges = merge.NewEngine(store, e.graph, e.refs,
		merge.WithLogger(e.log), merge.WithSessionStorage(sessionFS))
	return e, nil
}

// Config returns the repository configuration.
func (e *Engine) Config() *Config { return e.config }

// Store exposes the underlying object store for read-only inspection.
func (e *Engine) Store() *object.Store { return e.store }

// Definition is one complete schema object definition in a snapshot.
type Definition struct {
	Kind schema.Kind
	Name string // qualified name, e.g. "public.users".
	Text string
}

// DefinitionChange is one capture event: a created or altered definition,
// or a drop when Text is empty.
type DefinitionChange struct {
	Kind schema.Kind
	Name string
	Text string
}

// Snapshot commits a complete snapshot of the given definitions on branch,
// creating the branch at a root commit if it does not exist yet. Unchanged
// content costs nothing: blobs and trees deduplicate by hash, and a snapshot
// identical to the branch tip is a no-op returning the existing tip.
func (e *Engine) Snapshot(ctx context.Context, branch, message string, defs []Definition) (object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entries := make([]object.TreeEntry, 0, len(defs))
	for _, def := range defs {
		canonical, err := schema.Normalize(def.Kind, def.Text)
		if err != nil {
			return "", fmt.Errorf("snapshot %s/%s: %w", def.Kind, def.Name, err)
		}
		blobHash, err := e.store.PutBlob(&object.Blob{Data: []byte(canonical)})
		if err != nil {
			return "", err
		}
		entries = append(entries, object.TreeEntry{
			Path:     schema.Path(def.Kind, def.Name),
			Mode:     object.ModeDefinition,
			BlobHash: blobHash,
		})
	}
	return e.commitTree(branch, message, entries)
}

// Apply replays capture events on top of the branch tip: upserts for
// created or altered definitions, removals for drops. The result is a new
// complete snapshot commit.
func (e *Engine) Apply(ctx context.Context, branch, message string, changes []DefinitionChange) (object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	byPath := make(map[string]object.TreeEntry)
	tip, err := e.refs.Resolve(branch)
	if err != nil && !errors.Is(err, refs.ErrNotFound) {
		return "", err
	}
	if err == nil {
		commit, err := e.graph.Commit(tip)
		if err != nil {
			return "", err
		}
		t, err := e.store.GetTree(commit.TreeHash)
		if err != nil {
			return "", err
		}
		for _, entry := range t.Entries {
			byPath[entry.Path] = entry
		}
	}

	for _, ch := range changes {
		path := schema.Path(ch.Kind, ch.Name)
		if ch.Text == "" {
			delete(byPath, path)
			continue
		}
		canonical, err := schema.Normalize(ch.Kind, ch.Text)
		if err != nil {
			return "", fmt.Errorf("apply %s: %w", path, err)
		}
		blobHash, err := e.store.PutBlob(&object.Blob{Data: []byte(canonical)})
		if err != nil {
			return "", err
		}
		byPath[path] = object.TreeEntry{
			Path:     path,
			Mode:     object.ModeDefinition,
			BlobHash: blobHash,
		}
	}

	entries := make([]object.TreeEntry, 0, len(byPath))
	for _, entry := range byPath {
		entries = append(entries, entry)
	}
	return e.commitTree(branch, message, entries)
}

// commitTree writes the tree, commits it on branch and advances the ref.
// An empty expectedOld creates the branch.
func (e *Engine) commitTree(branch, message string, entries []object.TreeEntry) (object.Hash, error) {
	treeHash, err := e.store.PutTree(entries)
	if err != nil {
		return "", err
	}

	var parents []object.Hash
	tip, err := e.refs.Resolve(branch)
	switch {
	case err == nil:
		parents = []object.Hash{tip}
	case errors.Is(err, refs.ErrNotFound):
	default:
		return "", err
	}

	if len(parents) == 1 {
		parentCommit, err := e.graph.Commit(parents[0])
		if err != nil {
			return "", err
		}
		if parentCommit.TreeHash == treeHash {
			e.log.Debug("snapshot unchanged", "branch", branch, "tree", treeHash)
			return parents[0], nil
		}
	}

	commitObj := &object.CommitObj{
		TreeHash:  treeHash,
		Parents:   parents,
		Author:    e.config.Author,
		Timestamp: e.now().Unix(),
		Message:   message,
	}
	if e.signer != nil {
		signature, err := e.signer(object.CommitSigningPayload(commitObj))
		if err != nil {
			return "", fmt.Errorf("sign commit: %w", err)
		}
		commitObj.Signature = signature
	}
	commitHash, err := e.store.PutCommit(commitObj)
	if err != nil {
		return "", err
	}

	if len(parents) == 0 {
		err = e.refs.Create(branch, commitHash)
	} else {
		err = e.refs.UpdateCAS(branch, commitHash, parents[0])
	}
	if err != nil {
		return "", err
	}
	e.log.Info("snapshot committed",
		"branch", branch, "commit", commitHash, "entries", len(entries))
	return commitHash, nil
}

// History returns commits reachable from the branch tip along first parents,
// newest first.
func (e *Engine) History(branch string, limit int) ([]graph.HistoryEntry, error) {
	tip, err := e.refs.Resolve(branch)
	if err != nil {
		return nil, err
	}
	return e.graph.History(tip, limit)
}

// Diff compares two revisions, each either a branch name or a commit hash.
func (e *Engine) Diff(a, b string) ([]tree.Change, error) {
	beforeCommit, err := e.resolveRevision(a)
	if err != nil {
		return nil, err
	}
	afterCommit, err := e.resolveRevision(b)
	if err != nil {
		return nil, err
	}
	before, err := e.graph.Commit(beforeCommit)
	if err != nil {
		return nil, err
	}
	after, err := e.graph.Commit(afterCommit)
	if err != nil {
		return nil, err
	}
	return tree.DiffTrees(e.store, before.TreeHash, after.TreeHash)
}

// MergeBase returns the nearest common ancestor of two revisions, each a
// branch name or commit hash. found is false for unrelated histories.
func (e *Engine) MergeBase(a, b string) (object.Hash, bool, error) {
	ha, err := e.resolveRevision(a)
	if err != nil {
		return "", false, err
	}
	hb, err := e.resolveRevision(b)
	if err != nil {
		return "", false, err
	}
	return e.graph.MergeBase(ha, hb)
}

func (e *Engine) resolveRevision(rev string) (object.Hash, error) {
	if object.ValidHash(object.Hash(rev)) && e.store.Has(object.Hash(rev)) {
		return object.Hash(rev), nil
	}
	return e.refs.Resolve(rev)
}

// DefinitionAt returns the stored canonical definition at path in the given
// revision (branch name or commit hash).
func (e *Engine) DefinitionAt(rev, path string) (string, error) {
	commitHash, err := e.resolveRevision(rev)
	if err != nil {
		return "", err
	}
	commit, err := e.graph.Commit(commitHash)
	if err != nil {
		return "", err
	}
	entry, ok, err := e.index.Lookup(commit.TreeHash, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("engine: %w: %s at %s", object.ErrNotFound, path, rev)
	}
	blob, err := e.store.GetBlob(entry.BlobHash)
	if err != nil {
		return "", err
	}
	return string(blob.Data), nil
}

// CreateBranch creates a branch at the tip of from.
func (e *Engine) CreateBranch(name, from string) error {
	tip, err := e.resolveRevision(from)
	if err != nil {
		return err
	}
	return e.refs.Create(name, tip)
}

// DeleteBranch removes a branch. Without force, the branch tip must be
// reachable from another branch.
func (e *Engine) DeleteBranch(name string, force bool) error {
	return e.refs.Delete(name, force)
}

// Branches lists branch names.
func (e *Engine) Branches() ([]string, error) { return e.refs.List() }

// ResolveBranch returns the branch tip.
func (e *Engine) ResolveBranch(name string) (object.Hash, error) { return e.refs.Resolve(name) }

// Merge merges source into target. See merge.Engine.Merge.
func (e *Engine) Merge(ctx context.Context, source, target string) (*merge.Result, error) {
	return e.merges.Merge(ctx, source, target, e.config.Author)
}

// ResolveConflict records a conflict resolution in an open merge session.
func (e *Engine) ResolveConflict(sessionID, path string, choice merge.ResolutionChoice, customText string) error {
	return e.merges.Resolve(sessionID, path, choice, customText)
}

// FinalizeMerge commits a fully resolved merge session.
func (e *Engine) FinalizeMerge(sessionID string) (*merge.Result, error) {
	return e.merges.Finalize(sessionID)
}

// AbortMerge discards an open merge session.
func (e *Engine) AbortMerge(sessionID string) error { return e.merges.Abort(sessionID) }

// MergeSession returns an open merge session by ID.
func (e *Engine) MergeSession(id string) (*merge.Session, error) { return e.merges.Session(id) }

// DetectDrift compares the branch tip snapshot against a live catalog.
func (e *Engine) DetectDrift(ctx context.Context, branch string, reader drift.CatalogReader) (*drift.Report, error) {
	tip, err := e.refs.Resolve(branch)
	if err != nil {
		return nil, err
	}
	commit, err := e.graph.Commit(tip)
	if err != nil {
		return nil, err
	}
	detector := drift.NewDetector(e.store, reader, drift.WithLogger(e.log))
	return detector.Detect(ctx, commit.TreeHash)
}
