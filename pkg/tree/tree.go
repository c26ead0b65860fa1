// Package tree compares complete schema snapshots and maintains a fast
// per-path lookup index over stored trees.
package tree

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
)

// ChangeType classifies what happened to a definition between two snapshots.
type ChangeType int

const (
	Added    ChangeType = iota // Path exists only in the after snapshot.
	Removed                    // Path exists only in the before snapshot.
	Modified                   // Path exists in both snapshots with different content.
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// Change records a single path-level change between two snapshots.
type Change struct {
	Type    ChangeType
	Path    string
	OldHash object.Hash // empty for Added.
	NewHash object.Hash // empty for Removed.
}

// Diff computes the path-level changes from before to after. Both slices
// must be sorted by path, which is guaranteed for entries read back from
// the store. Entries whose hashes match are skipped entirely, so the cost
// is proportional to the snapshot size, never to history depth.
func Diff(before, after []object.TreeEntry) []Change {
	var changes []Change
	i, j := 0, 0
	for i < len(before) && j < len(after) {
		b, a := before[i], after[j]
		switch {
		case b.Path == a.Path:
			if b.BlobHash != a.BlobHash {
				changes = append(changes, Change{
					Type:    Modified,
					Path:    b.Path,
					OldHash: b.BlobHash,
					NewHash: a.BlobHash,
				})
			}
			i++
			j++
		case b.Path < a.Path:
			changes = append(changes, Change{Type: Removed, Path: b.Path, OldHash: b.BlobHash})
			i++
		default:
			changes = append(changes, Change{Type: Added, Path: a.Path, NewHash: a.BlobHash})
			j++
		}
	}
	for ; i < len(before); i++ {
		changes = append(changes, Change{Type: Removed, Path: before[i].Path, OldHash: before[i].BlobHash})
	}
	for ; j < len(after); j++ {
		changes = append(changes, Change{Type: Added, Path: after[j].Path, NewHash: after[j].BlobHash})
	}
	return changes
}

// DiffTrees loads both trees from the store and diffs them. Either hash may
// be empty, which stands for an empty snapshot.
func DiffTrees(store *object.Store, before, after object.Hash) ([]Change, error) {
	var beforeEntries, afterEntries []object.TreeEntry
	if before != "" {
		t, err := store.GetTree(before)
		if err != nil {
			return nil, fmt.Errorf("load before tree: %w", err)
		}
		beforeEntries = t.Entries
	}
	if after != "" {
		t, err := store.GetTree(after)
		if err != nil {
			return nil, fmt.Errorf("load after tree: %w", err)
		}
		afterEntries = t.Entries
	}
	return Diff(beforeEntries, afterEntries), nil
}
