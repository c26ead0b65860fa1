package graph

import (
	"fmt"
	"sync"

	"github.com/odvcencio/strata/pkg/object"
)

type baseAnswer struct {
	base  object.Hash
	found bool
}

// memoTable caches what ancestry queries recompute most: decoded commits,
// generation numbers, and previously answered merge-base pairs. Safe for
// concurrent use.
type memoTable struct {
	mu      sync.RWMutex
	commits map[object.Hash]*object.CommitObj
	gens    map[object.Hash]uint64
	bases   map[string]baseAnswer
}

func newMemoTable() *memoTable {
	return &memoTable{
		commits: make(map[object.Hash]*object.CommitObj),
		gens:    make(map[object.Hash]uint64),
		bases:   make(map[string]baseAnswer),
	}
}

// pairKey is order-independent so (a, b) and (b, a) share one cache slot.
func pairKey(a, b object.Hash) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

func (m *memoTable) commit(store *object.Store, h object.Hash) (*object.CommitObj, error) {
	m.mu.RLock()
	c, ok := m.commits[h]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	c, err := store.GetCommit(h)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", h, err)
	}
	// Commits are immutable, so concurrent duplicate loads store equal values.
	m.mu.Lock()
	m.commits[h] = c
	m.mu.Unlock()
	return c, nil
}

func (m *memoTable) generation(h object.Hash) (uint64, bool) {
	m.mu.RLock()
	g, ok := m.gens[h]
	m.mu.RUnlock()
	return g, ok
}

func (m *memoTable) setGeneration(h object.Hash, g uint64) {
	m.mu.Lock()
	m.gens[h] = g
	m.mu.Unlock()
}

func (m *memoTable) mergeBase(a, b object.Hash) (baseAnswer, bool) {
	m.mu.RLock()
	ans, ok := m.bases[pairKey(a, b)]
	m.mu.RUnlock()
	return ans, ok
}

func (m *memoTable) setMergeBase(a, b, base object.Hash, found bool) {
	m.mu.Lock()
	m.bases[pairKey(a, b)] = baseAnswer{base: base, found: found}
	m.mu.Unlock()
}
