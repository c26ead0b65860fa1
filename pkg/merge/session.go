package merge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/refs"
	"github.com/odvcencio/strata/pkg/schema"
)

// ResolutionChoice selects which side of a conflict wins.
type ResolutionChoice string

const (
	// ChoiceOurs keeps the target branch's version.
	ChoiceOurs ResolutionChoice = "ours"
	// ChoiceTheirs takes the source branch's version.
	ChoiceTheirs ResolutionChoice = "theirs"
	// ChoiceCustom supplies replacement definition text.
	ChoiceCustom ResolutionChoice = "custom"
)

// Session is an in-flight conflicted merge. It holds the cleanly merged
// entries plus the conflicts awaiting resolution; no objects or refs are
// persisted until Finalize succeeds, so abandoning a session costs nothing.
// With session storage configured the session itself survives the process
// that opened it and can be resolved later from another one.
type Session struct {
	ID     string
	Source string
	Target string
	Author string

	SourceCommit object.Hash
	TargetCommit object.Hash
	BaseCommit   object.Hash // empty for unrelated histories.
	CreatedAt    time.Time

	mu        sync.Mutex
	status    Status
	merged    map[string]object.TreeEntry
	conflicts map[string]*Conflict
}

func (e *Engine) openSession(source, target string, sourceTip, targetTip, base object.Hash, author string, merged map[string]object.TreeEntry, conflicts []*Conflict) (*Session, error) {
	s := &Session{
		ID:           uuid.NewString(),
		Source:       source,
		Target:       target,
		Author:       author,
		SourceCommit: sourceTip,
		TargetCommit: targetTip,
		BaseCommit:   base,
		CreatedAt:    e.now(),
		status:       StatusAwaitingResolution,
		merged:       merged,
		conflicts:    make(map[string]*Conflict, len(conflicts)),
	}
	for _, c := range conflicts {
		s.conflicts[c.Path] = c
	}
	if err := e.persistSession(s); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()
	return s, nil
}

// Session returns an open session by ID, rehydrating it from session
// storage when it was opened by an earlier process.
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	s, err := e.loadSession(id)
	if err != nil {
		return nil, err
	}
	e.sessions[id] = s
	return s, nil
}

// Status reports the session's current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Conflicts returns the session's conflicts sorted by path, with their
// current resolution state.
func (s *Session) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Resolve records a resolution for one conflicted path. Resolving the same
// path again replaces the earlier resolution. Custom text is normalized the
// same way snapshot ingestion normalizes definitions before it is stored.
func (e *Engine) Resolve(sessionID, path string, choice ResolutionChoice, customText string) error {
	s, err := e.Session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAwaitingResolution {
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.status)
	}
	c, ok := s.conflicts[path]
	if !ok {
		return fmt.Errorf("merge: path %q is not conflicted in session %s", path, s.ID)
	}

	var resolved object.Hash
	var resolvedMode string
	switch choice {
	case ChoiceOurs:
		resolved, resolvedMode = c.TargetHash, c.TargetMode
	case ChoiceTheirs:
		resolved, resolvedMode = c.SourceHash, c.SourceMode
	case ChoiceCustom:
		kind, _, err := schema.SplitPath(path)
		if err != nil {
			return err
		}
		canonical, err := schema.Normalize(kind, customText)
		if err != nil {
			return fmt.Errorf("normalize custom resolution for %s: %w", path, err)
		}
		resolved, err = e.store.PutBlob(&object.Blob{Data: []byte(canonical)})
		if err != nil {
			return err
		}
		resolvedMode = object.ModeDefinition
	default:
		return fmt.Errorf("merge: unknown resolution choice %q", choice)
	}

	c.Resolved = true
	c.ResolvedHash = resolved
	c.ResolvedMode = resolvedMode
	if err := e.persistSession(s); err != nil {
		return err
	}
	e.metrics.conflictsResolved.Inc()
	e.log.Info("conflict resolved",
		"session", s.ID, "path", path, "choice", string(choice))
	return nil
}

// Finalize commits a fully resolved session and advances the target branch.
// A concurrent move of the target ref fails the CAS and leaves the session
// open so the caller can redo the merge against the new tip.
func (e *Engine) Finalize(sessionID string) (*Result, error) {
	s, err := e.Session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAwaitingResolution {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.status)
	}
	for _, c := range s.conflicts {
		if !c.Resolved {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedConflicts, c.Path)
		}
	}

	final := make(map[string]object.TreeEntry, len(s.merged)+len(s.conflicts))
	for path, entry := range s.merged {
		final[path] = entry
	}
	for path, c := range s.conflicts {
		if c.ResolvedHash != "" {
			final[path] = object.TreeEntry{
				Path:     path,
				Mode:     c.ResolvedMode,
				BlobHash: c.ResolvedHash,
			}
		}
	}

	commit, err := e.commitMerge(final, s.SourceCommit, s.TargetCommit, s.Author,
		fmt.Sprintf("merge %s into %s", s.Source, s.Target))
	if err != nil {
		return nil, err
	}
	if err := e.refs.UpdateCAS(s.Target, commit, s.TargetCommit); err != nil {
		if errors.Is(err, refs.ErrConcurrentUpdate) {
			e.log.Warn("target branch moved during merge session",
				"session", s.ID, "target", s.Target)
		}
		return nil, err
	}

	s.status = StatusCompleted
	e.discardSession(s.ID)
	e.log.Info("merge session finalized",
		"session", s.ID, "source", s.Source, "target", s.Target, "commit", commit)
	e.metrics.merges.WithLabelValues(string(StatusCompleted)).Inc()
	return &Result{Status: StatusCompleted, Commit: commit}, nil
}

// Abort discards the session. No objects the session may have written are
// referenced by any branch, so there is nothing to clean up.
func (e *Engine) Abort(sessionID string) error {
	s, err := e.Session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status != StatusAwaitingResolution {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.status)
	}
	s.status = StatusAborted
	s.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	e.discardSession(sessionID)
	e.log.Info("merge session aborted", "session", sessionID)
	e.metrics.merges.WithLabelValues(string(StatusAborted)).Inc()
	return nil
}
