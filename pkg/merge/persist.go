package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-billy/v6/util"

	"github.com/odvcencio/strata/pkg/object"
)

// Open sessions are stored one JSON file per session so resolution can
// continue from a later process. Finalized and aborted sessions leave no
// file behind; only bookkeeping is stored here, never objects or refs.

type sessionEntry struct {
	Path string      `json:"path"`
	Mode string      `json:"mode"`
	Hash object.Hash `json:"hash"`
}

type sessionRecord struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	Author       string         `json:"author"`
	SourceCommit object.Hash    `json:"source_commit"`
	TargetCommit object.Hash    `json:"target_commit"`
	BaseCommit   object.Hash    `json:"base_commit,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Merged       []sessionEntry `json:"merged"`
	Conflicts    []Conflict     `json:"conflicts"`
}

func sessionFileName(id string) string { return id + ".json" }

// persistSession writes the session's current state. Callers either hold
// s.mu or are the session's sole owner. A nil session filesystem keeps
// sessions in-memory only.
func (e *Engine) persistSession(s *Session) error {
	if e.fs == nil {
		return nil
	}
	rec := sessionRecord{
		ID:           s.ID,
		Source:       s.Source,
		Target:       s.Target,
		Author:       s.Author,
		SourceCommit: s.SourceCommit,
		TargetCommit: s.TargetCommit,
		BaseCommit:   s.BaseCommit,
		CreatedAt:    s.CreatedAt,
	}
	for path, entry := range s.merged {
		rec.Merged = append(rec.Merged, sessionEntry{
			Path: path,
			Mode: entry.Mode,
			Hash: entry.BlobHash,
		})
	}
	sort.Slice(rec.Merged, func(i, j int) bool { return rec.Merged[i].Path < rec.Merged[j].Path })
	for _, c := range s.conflicts {
		rec.Conflicts = append(rec.Conflicts, *c)
	}
	sort.Slice(rec.Conflicts, func(i, j int) bool { return rec.Conflicts[i].Path < rec.Conflicts[j].Path })

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode merge session %s: %w", s.ID, err)
	}
	if err := util.WriteFile(e.fs, sessionFileName(s.ID), data, 0o644); err != nil {
		return fmt.Errorf("persist merge session %s: %w", s.ID, err)
	}
	return nil
}

// loadSession reads a persisted session back into memory. Unknown IDs map to
// ErrNoSession whether or not storage is configured.
func (e *Engine) loadSession(id string) (*Session, error) {
	if e.fs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	data, err := util.ReadFile(e.fs, sessionFileName(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
		}
		return nil, fmt.Errorf("load merge session %s: %w", id, err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode merge session %s: %w", id, err)
	}

	s := &Session{
		ID:           rec.ID,
		Source:       rec.Source,
		Target:       rec.Target,
		Author:       rec.Author,
		SourceCommit: rec.SourceCommit,
		TargetCommit: rec.TargetCommit,
		BaseCommit:   rec.BaseCommit,
		CreatedAt:    rec.CreatedAt,
		status:       StatusAwaitingResolution,
		merged:       make(map[string]object.TreeEntry, len(rec.Merged)),
		conflicts:    make(map[string]*Conflict, len(rec.Conflicts)),
	}
	for _, entry := range rec.Merged {
		s.merged[entry.Path] = object.TreeEntry{
			Path:     entry.Path,
			Mode:     entry.Mode,
			BlobHash: entry.Hash,
		}
	}
	for i := range rec.Conflicts {
		c := rec.Conflicts[i]
		s.conflicts[c.Path] = &c
	}
	return s, nil
}

// discardSession removes the session's file, if any.
func (e *Engine) discardSession(id string) {
	if e.fs == nil {
		return
	}
	if err := e.fs.Remove(sessionFileName(id)); err != nil && !os.IsNotExist(err) {
		e.log.Warn("remove merge session file", "session", id, "error", err)
	}
}
