// Package graph maintains parent links and generation numbers over commits
// and answers ancestry questions: merge bases, reachability, history walks.
// Every traversal is iterative with an explicit frontier and pruned by
// generation numbers, so long histories never recurse or scan unbounded.
package graph

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
)

// Index answers ancestry queries over the commit graph in a store. It
// memoizes commits, generation numbers and merge-base pairs; a single Index
// is safe for concurrent use.
type Index struct {
	store *object.Store
	memo  *memoTable
}

// NewIndex creates an Index over the given store.
func NewIndex(store *object.Store) *Index {
	return &Index{store: store, memo: newMemoTable()}
}

// Commit reads a commit through the memoizing cache.
func (ix *Index) Commit(h object.Hash) (*object.CommitObj, error) {
	return ix.memo.commit(ix.store, h)
}

// Generation returns the generation number of a commit: roots are 1, every
// other commit is 1 + max(parent generations). Computed iteratively with an
// explicit stack so arbitrarily long histories cannot overflow it.
func (ix *Index) Generation(h object.Hash) (uint64, error) {
	if h == "" {
		return 0, nil
	}
	if g, ok := ix.memo.generation(h); ok {
		return g, nil
	}

	stack := []object.Hash{h}
	expanding := make(map[object.Hash]bool)

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		if _, done := ix.memo.generation(cur); done {
			stack = stack[:len(stack)-1]
			delete(expanding, cur)
			continue
		}

		commit, err := ix.memo.commit(ix.store, cur)
		if err != nil {
			return 0, fmt.Errorf("generation: %w", err)
		}

		if !expanding[cur] {
			expanding[cur] = true
			pushed := false
			for _, p := range commit.Parents {
				if p == "" {
					continue
				}
				if _, ok := ix.memo.generation(p); ok {
					continue
				}
				if expanding[p] {
					return 0, fmt.Errorf("generation: commit graph cycle detected at %s", p)
				}
				stack = append(stack, p)
				pushed = true
			}
			if pushed {
				continue
			}
		}

		var maxParent uint64
		for _, p := range commit.Parents {
			if p == "" {
				continue
			}
			pg, ok := ix.memo.generation(p)
			if !ok {
				return 0, fmt.Errorf("generation: parent %s of %s left unresolved", p, cur)
			}
			if pg > maxParent {
				maxParent = pg
			}
		}
		ix.memo.setGeneration(cur, maxParent+1)
		delete(expanding, cur)
		stack = stack[:len(stack)-1]
	}

	g, ok := ix.memo.generation(h)
	if !ok {
		return 0, fmt.Errorf("generation: %s left unresolved", h)
	}
	return g, nil
}

// IsAncestor reports whether ancestor is reachable from descendant by
// following parent links. A commit is its own ancestor.
func (ix *Index) IsAncestor(ancestor, descendant object.Hash) (bool, error) {
	ancestorGen, err := ix.Generation(ancestor)
	if err != nil {
		return false, err
	}
	descendantGen, err := ix.Generation(descendant)
	if err != nil {
		return false, err
	}
	return ix.searchAncestry(ancestor, descendant, ancestorGen, descendantGen)
}

// searchAncestry walks descendant's history deepest-first, dropping every
// parent whose generation is not strictly above the ancestor's. A proper
// ancestor always sits at a lower generation than anything that reaches it,
// so the walk either meets the ancestor on a parent edge or runs dry.
func (ix *Index) searchAncestry(ancestor, descendant object.Hash, ancestorGen, descendantGen uint64) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	if ancestorGen >= descendantGen {
		return false, nil
	}

	budget := newWalkBudget()
	walk := newSideWalk(descendant, descendantGen)
	for {
		if _, ok := walk.top(); !ok {
			return false, nil
		}
		item := walk.pop()
		if err := budget.spend(); err != nil {
			return false, err
		}

		commit, err := ix.memo.commit(ix.store, item.hash)
		if err != nil {
			return false, err
		}
		depth := walk.depth[item.hash] + 1
		if err := budget.checkDepth(depth); err != nil {
			return false, err
		}
		for _, p := range commit.Parents {
			if p == "" {
				continue
			}
			if p == ancestor {
				return true, nil
			}
			if walk.saw(p) {
				continue
			}
			gen, err := ix.Generation(p)
			if err != nil {
				return false, err
			}
			if gen <= ancestorGen {
				continue
			}
			walk.extend(p, gen, depth)
		}
	}
}

// MergeBase finds the nearest common ancestor of two commits. It returns
// found=false when the histories share no ancestor. Uses generation numbers
// for pruning, fast ancestor checks for linear histories, and a memoized
// pair cache for repeated queries.
func (ix *Index) MergeBase(a, b object.Hash) (object.Hash, bool, error) {
	if a == "" || b == "" {
		return "", false, nil
	}
	if a == b {
		return a, true, nil
	}

	if cached, ok := ix.memo.mergeBase(a, b); ok {
		return cached.base, cached.found, nil
	}

	genA, err := ix.Generation(a)
	if err != nil {
		return "", false, err
	}
	genB, err := ix.Generation(b)
	if err != nil {
		return "", false, err
	}

	// When one tip contains the other, the contained tip is the base outright.
	lo, hi := a, b
	loGen, hiGen := genA, genB
	if loGen > hiGen {
		lo, hi = hi, lo
		loGen, hiGen = hiGen, loGen
	}
	contained, err := ix.searchAncestry(lo, hi, loGen, hiGen)
	if err != nil {
		return "", false, err
	}
	if contained {
		ix.memo.setMergeBase(a, b, lo, true)
		return lo, true, nil
	}

	base, found, err := ix.crossSearch(a, b, genA, genB)
	if err != nil {
		return "", false, err
	}
	ix.memo.setMergeBase(a, b, base, found)
	return base, found, nil
}

// crossSearch walks down both tips' histories at once, always expanding the
// globally deepest frontier commit. A commit reached by both walks is a
// common ancestor; the search continues only while a deeper candidate (or an
// equal-generation one with a smaller hash) is still possible.
func (ix *Index) crossSearch(a, b object.Hash, genA, genB uint64) (object.Hash, bool, error) {
	sides := [2]*sideWalk{newSideWalk(a, genA), newSideWalk(b, genB)}
	budget := newWalkBudget()

	var best object.Hash
	var bestGen uint64

	for {
		pick := -1
		var top frontierEntry
		for i, side := range sides {
			t, ok := side.top()
			if !ok {
				continue
			}
			if pick < 0 || t.gen > top.gen || (t.gen == top.gen && t.hash < top.hash) {
				pick, top = i, t
			}
		}
		if pick < 0 {
			break
		}
		if best != "" && top.gen < bestGen {
			// Frontiers only descend, so no better candidate remains.
			break
		}

		mine, theirs := sides[pick], sides[1-pick]
		item := mine.pop()
		if err := budget.spend(); err != nil {
			return "", false, err
		}
		if theirs.saw(item.hash) {
			best, bestGen = betterBase(best, bestGen, item.hash, item.gen)
		}

		commit, err := ix.memo.commit(ix.store, item.hash)
		if err != nil {
			return "", false, err
		}
		depth := mine.depth[item.hash] + 1
		if err := budget.checkDepth(depth); err != nil {
			return "", false, err
		}
		for _, p := range commit.Parents {
			if p == "" || mine.saw(p) {
				continue
			}
			gen, err := ix.Generation(p)
			if err != nil {
				return "", false, err
			}
			if best != "" && gen < bestGen {
				continue
			}
			mine.extend(p, gen, depth)
			if theirs.saw(p) {
				best, bestGen = betterBase(best, bestGen, p, gen)
			}
		}
	}

	return best, best != "", nil
}

// betterBase prefers the deeper candidate; equal generations break toward
// the smaller hash so repeated searches agree.
func betterBase(cur object.Hash, curGen uint64, cand object.Hash, candGen uint64) (object.Hash, uint64) {
	switch {
	case cur == "":
		return cand, candGen
	case candGen != curGen:
		if candGen > curGen {
			return cand, candGen
		}
	case cand < cur:
		return cand, candGen
	}
	return cur, curGen
}

// HistoryEntry pairs a commit with its hash during a history walk.
type HistoryEntry struct {
	Hash   object.Hash
	Commit *object.CommitObj
}

// History walks first-parent links from start, newest first, returning up
// to limit commits. limit <= 0 means the full chain.
func (ix *Index) History(start object.Hash, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	current := start

	for current != "" {
		if limit > 0 && len(entries) >= limit {
			break
		}
		c, err := ix.memo.commit(ix.store, current)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		entries = append(entries, HistoryEntry{Hash: current, Commit: c})

		if len(c.Parents) == 0 {
			break
		}
		current = c.Parents[0]
	}

	return entries, nil
}

// ReachableFromAny reports whether tip is an ancestor of (or equal to) any
// of the given tips. Used by branch deletion safety checks.
func (ix *Index) ReachableFromAny(tip object.Hash, others map[string]object.Hash) (bool, error) {
	for _, other := range others {
		ok, err := ix.IsAncestor(tip, other)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
