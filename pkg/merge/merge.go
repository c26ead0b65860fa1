// Package merge implements three-way merging of schema snapshot histories
// with interactive conflict resolution sessions.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-git/go-billy/v6"

	"github.com/odvcencio/strata/pkg/graph"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/refs"
	"github.com/odvcencio/strata/pkg/tree"
)

// Status reports the outcome of a merge attempt.
type Status string

const (
	StatusUpToDate           Status = "up_to_date"
	StatusFastForward        Status = "fast_forward"
	StatusCompleted          Status = "completed"
	StatusAwaitingResolution Status = "awaiting_resolution"
	StatusAborted            Status = "aborted"
)

var (
	// ErrUnresolvedConflicts is returned by Finalize while any conflict in
	// the session still lacks a resolution.
	ErrUnresolvedConflicts = errors.New("merge: unresolved conflicts remain")

	// ErrNoSession is returned for session IDs that are unknown or already
	// finished.
	ErrNoSession = errors.New("merge: no such session")

	// ErrSessionClosed is returned when resolving against a completed or
	// aborted session.
	ErrSessionClosed = errors.New("merge: session is closed")
)

// Conflict records a path where source and target diverged from their
// common base and neither side's change subsumes the other. Hashes are empty
// when the path did not exist on that side (never existed at the base, or
// deleted by the side); side modes travel with the hashes so a resolution
// reproduces the winning entry exactly. An empty ResolvedHash drops the path.
type Conflict struct {
	Path       string      `json:"path"`
	BaseHash   object.Hash `json:"base_hash,omitempty"`
	SourceHash object.Hash `json:"source_hash,omitempty"`
	TargetHash object.Hash `json:"target_hash,omitempty"`
	SourceMode string      `json:"source_mode,omitempty"`
	TargetMode string      `json:"target_mode,omitempty"`

	Resolved     bool        `json:"resolved"`
	ResolvedHash object.Hash `json:"resolved_hash,omitempty"`
	ResolvedMode string      `json:"resolved_mode,omitempty"`
}

// Result is the outcome of Merge. Session is set only for
// StatusAwaitingResolution; Commit is set for StatusFastForward and
// StatusCompleted.
type Result struct {
	Status  Status
	Commit  object.Hash
	Session *Session
}

// Engine performs merges between branches sharing one object store. The
// target branch ref only moves through a CAS against the tip observed when
// the merge started, so concurrent merges of the same target serialize at
// the ref and the loser retries.
type Engine struct {
	store   *object.Store
	graph   *graph.Index
	refs    *refs.DB
	fs      billy.Filesystem // session storage; nil keeps sessions in-memory.
	log     *slog.Logger
	metrics *mergeMetrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSessionStorage persists open conflict sessions as files under fs so
// they survive the process that opened them. Finalized and aborted sessions
// are removed; only the session bookkeeping is stored, never objects or refs.
func WithSessionStorage(fs billy.Filesystem) Option {
	return func(e *Engine) { e.fs = fs }
}

func NewEngine(store *object.Store, index *graph.Index, refDB *refs.DB, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		graph:    index,
		refs:     refDB,
		log:      slog.Default(),
		metrics:  getDefaultMergeMetrics(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge merges the source branch into the target branch. Conflicts are not
// an error: the result carries an open session awaiting resolution.
func (e *Engine) Merge(ctx context.Context, source, target, author string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sourceTip, err := e.refs.Resolve(source)
	if err != nil {
		return nil, fmt.Errorf("resolve source %q: %w", source, err)
	}
	targetTip, err := e.refs.Resolve(target)
	if err != nil {
		return nil, fmt.Errorf("resolve target %q: %w", target, err)
	}

	if sourceTip == targetTip {
		e.metrics.merges.WithLabelValues(string(StatusUpToDate)).Inc()
		return &Result{Status: StatusUpToDate, Commit: targetTip}, nil
	}
	sourceReached, err := e.graph.IsAncestor(sourceTip, targetTip)
	if err != nil {
		return nil, err
	}
	if sourceReached {
		e.metrics.merges.WithLabelValues(string(StatusUpToDate)).Inc()
		return &Result{Status: StatusUpToDate, Commit: targetTip}, nil
	}

	targetReached, err := e.graph.IsAncestor(targetTip, sourceTip)
	if err != nil {
		return nil, err
	}
	if targetReached {
		if err := e.refs.UpdateCAS(target, sourceTip, targetTip); err != nil {
			return nil, err
		}
		e.log.Info("fast-forward merge",
			"source", source, "target", target, "commit", sourceTip)
		e.metrics.merges.WithLabelValues(string(StatusFastForward)).Inc()
		return &Result{Status: StatusFastForward, Commit: sourceTip}, nil
	}

	base, baseFound, err := e.graph.MergeBase(sourceTip, targetTip)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Unrelated histories merge against an empty base snapshot: everything
	// becomes an addition and same-path additions conflict unless identical.
	var baseTree object.Hash
	if baseFound {
		baseCommit, err := e.graph.Commit(base)
		if err != nil {
			return nil, err
		}
		baseTree = baseCommit.TreeHash
	}

	sourceCommit, err := e.graph.Commit(sourceTip)
	if err != nil {
		return nil, err
	}
	targetCommit, err := e.graph.Commit(targetTip)
	if err != nil {
		return nil, err
	}

	merged, conflicts, err := e.combine(baseTree, sourceCommit.TreeHash, targetCommit.TreeHash)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		session, err := e.openSession(source, target, sourceTip, targetTip, base, author, merged, conflicts)
		if err != nil {
			return nil, err
		}
		e.log.Info("merge has conflicts",
			"session", session.ID, "source", source, "target", target,
			"conflicts", len(conflicts))
		e.metrics.merges.WithLabelValues(string(StatusAwaitingResolution)).Inc()
		e.metrics.conflictsDetected.Add(float64(len(conflicts)))
		return &Result{Status: StatusAwaitingResolution, Session: session}, nil
	}

	commit, err := e.commitMerge(merged, sourceTip, targetTip, author,
		fmt.Sprintf("merge %s into %s", source, target))
	if err != nil {
		return nil, err
	}
	if err := e.refs.UpdateCAS(target, commit, targetTip); err != nil {
		return nil, err
	}
	e.log.Info("merge completed",
		"source", source, "target", target, "commit", commit)
	e.metrics.merges.WithLabelValues(string(StatusCompleted)).Inc()
	return &Result{Status: StatusCompleted, Commit: commit}, nil
}

// combine performs the per-path three-way classification. It starts from
// the base snapshot and replays the diffs of each side against it: paths
// changed on one side take that side's full entry, identical changes
// converge, and the rest conflict.
func (e *Engine) combine(baseTree, sourceTree, targetTree object.Hash) (map[string]object.TreeEntry, []*Conflict, error) {
	sourceChanges, err := tree.DiffTrees(e.store, baseTree, sourceTree)
	if err != nil {
		return nil, nil, err
	}
	targetChanges, err := tree.DiffTrees(e.store, baseTree, targetTree)
	if err != nil {
		return nil, nil, err
	}

	merged, err := e.snapshotEntries(baseTree)
	if err != nil {
		return nil, nil, err
	}
	sourceEntries, err := e.snapshotEntries(sourceTree)
	if err != nil {
		return nil, nil, err
	}
	targetEntries, err := e.snapshotEntries(targetTree)
	if err != nil {
		return nil, nil, err
	}

	sourceByPath := make(map[string]tree.Change, len(sourceChanges))
	for _, c := range sourceChanges {
		sourceByPath[c.Path] = c
	}

	apply := func(path string, h object.Hash, side map[string]object.TreeEntry) {
		if h == "" {
			delete(merged, path)
			return
		}
		merged[path] = side[path]
	}

	var conflicts []*Conflict
	for _, tc := range targetChanges {
		sc, alsoSource := sourceByPath[tc.Path]
		if !alsoSource {
			apply(tc.Path, tc.NewHash, targetEntries)
			continue
		}
		delete(sourceByPath, tc.Path)
		if sc.NewHash == tc.NewHash {
			// Convergent: both sides made the identical change, including
			// both deleting the path.
			apply(tc.Path, tc.NewHash, targetEntries)
			continue
		}
		conflicts = append(conflicts, &Conflict{
			Path:       tc.Path,
			BaseHash:   tc.OldHash,
			SourceHash: sc.NewHash,
			TargetHash: tc.NewHash,
			SourceMode: sourceEntries[tc.Path].Mode,
			TargetMode: targetEntries[tc.Path].Mode,
		})
		delete(merged, tc.Path)
	}
	for _, sc := range sourceByPath {
		apply(sc.Path, sc.NewHash, sourceEntries)
	}
	return merged, conflicts, nil
}

// snapshotEntries loads a tree into a path-keyed map. An empty hash is the
// empty snapshot.
func (e *Engine) snapshotEntries(treeHash object.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if treeHash == "" {
		return entries, nil
	}
	t, err := e.store.GetTree(treeHash)
	if err != nil {
		return nil, err
	}
	for _, entry := range t.Entries {
		entries[entry.Path] = entry
	}
	return entries, nil
}

// commitMerge builds the merged tree and writes the merge commit with the
// target tip first, matching first-parent history semantics.
func (e *Engine) commitMerge(merged map[string]object.TreeEntry, sourceTip, targetTip object.Hash, author, message string) (object.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(merged))
	for _, entry := range merged {
		entries = append(entries, entry)
	}
	treeHash, err := e.store.PutTree(entries)
	if err != nil {
		return "", err
	}
	return e.store.PutCommit(&object.CommitObj{
		TreeHash:  treeHash,
		Parents:   []object.Hash{targetTip, sourceTip},
		Author:    author,
		Timestamp: e.now().Unix(),
		Message:   message,
	})
}
