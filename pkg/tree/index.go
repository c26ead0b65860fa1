package tree

import (
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/odvcencio/strata/pkg/object"
)

type indexKey [16]byte

// entryKey fingerprints a (tree, path) pair with xxh3-128. The fixed-width
// key keeps the map compact regardless of path length.
func entryKey(treeHash object.Hash, path string) indexKey {
	buf := make([]byte, 0, len(treeHash)+1+len(path))
	buf = append(buf, treeHash...)
	buf = append(buf, 0)
	buf = append(buf, path...)
	return xxh3.Hash128(buf).Bytes()
}

// Index is a flattened (tree, path) -> entry lookup table. It is fed by the
// store's tree observer as trees are written, and lazily backfills from the
// store for trees written by earlier sessions. Safe for concurrent use.
type Index struct {
	store *object.Store

	mu      sync.RWMutex
	entries map[indexKey]object.TreeEntry
	indexed map[object.Hash]bool
}

func NewIndex(store *object.Store) *Index {
	return &Index{
		store:   store,
		entries: make(map[indexKey]object.TreeEntry),
		indexed: make(map[object.Hash]bool),
	}
}

// Observe records a freshly written tree. Wire it into the store with
// object.WithTreeObserver(ix.Observe).
func (ix *Index) Observe(treeHash object.Hash, entries []object.TreeEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insertLocked(treeHash, entries)
}

func (ix *Index) insertLocked(treeHash object.Hash, entries []object.TreeEntry) {
	if ix.indexed[treeHash] {
		return
	}
	for _, e := range entries {
		ix.entries[entryKey(treeHash, e.Path)] = e
	}
	ix.indexed[treeHash] = true
}

// Lookup returns the entry at path within the given tree, reading and
// indexing the tree from the store on first touch.
func (ix *Index) Lookup(treeHash object.Hash, path string) (object.TreeEntry, bool, error) {
	key := entryKey(treeHash, path)

	ix.mu.RLock()
	entry, ok := ix.entries[key]
	done := ix.indexed[treeHash]
	ix.mu.RUnlock()
	if ok {
		return entry, true, nil
	}
	if done {
		return object.TreeEntry{}, false, nil
	}

	t, err := ix.store.GetTree(treeHash)
	if err != nil {
		return object.TreeEntry{}, false, err
	}

	ix.mu.Lock()
	ix.insertLocked(treeHash, t.Entries)
	entry, ok = ix.entries[key]
	ix.mu.Unlock()
	return entry, ok, nil
}
