package graph

import (
	"container/heap"
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
)

// Hard caps on per-traversal work. The package vars exist so tests can lower
// them to hit the failure paths; values outside (0, cap] fall back to the cap.
const (
	stepCap  = 1_000_000
	depthCap = 1_000_000
)

var (
	walkStepCap  = stepCap
	walkDepthCap = depthCap
)

// walkBudget meters one traversal. Exhausting either bound aborts the walk
// with an error instead of scanning an unbounded history.
type walkBudget struct {
	stepsLeft  int
	stepBound  int
	depthBound int
}

func newWalkBudget() *walkBudget {
	b := &walkBudget{stepBound: walkStepCap, depthBound: walkDepthCap}
	if b.stepBound <= 0 || b.stepBound > stepCap {
		b.stepBound = stepCap
	}
	if b.depthBound <= 0 || b.depthBound > depthCap {
		b.depthBound = depthCap
	}
	b.stepsLeft = b.stepBound
	return b
}

func (b *walkBudget) spend() error {
	b.stepsLeft--
	if b.stepsLeft < 0 {
		return fmt.Errorf("commit graph: traversal exceeded %d steps", b.stepBound)
	}
	return nil
}

func (b *walkBudget) checkDepth(depth int) error {
	if depth > b.depthBound {
		return fmt.Errorf("commit graph: traversal exceeded depth %d", b.depthBound)
	}
	return nil
}

type frontierEntry struct {
	hash object.Hash
	gen  uint64
}

// frontier is a max-heap keyed by generation, so a walk always expands its
// deepest unexplored commit next. Generation ties pop in hash order to keep
// searches deterministic.
type frontier []frontierEntry

func (f frontier) Len() int { return len(f) }

func (f frontier) Less(i, j int) bool {
	if f[i].gen != f[j].gen {
		return f[i].gen > f[j].gen
	}
	return f[i].hash < f[j].hash
}

func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(frontierEntry)) }

func (f *frontier) Pop() any {
	old := *f
	last := old[len(old)-1]
	*f = old[:len(old)-1]
	return last
}

// sideWalk is one side of an ancestry search: a generation-ordered frontier
// plus the depth at which each commit was first reached. The depth map
// doubles as the visited set.
type sideWalk struct {
	frontier frontier
	depth    map[object.Hash]int
}

func newSideWalk(start object.Hash, gen uint64) *sideWalk {
	w := &sideWalk{depth: map[object.Hash]int{start: 0}}
	heap.Push(&w.frontier, frontierEntry{hash: start, gen: gen})
	return w
}

func (w *sideWalk) top() (frontierEntry, bool) {
	if len(w.frontier) == 0 {
		return frontierEntry{}, false
	}
	return w.frontier[0], true
}

func (w *sideWalk) pop() frontierEntry {
	return heap.Pop(&w.frontier).(frontierEntry)
}

func (w *sideWalk) saw(h object.Hash) bool {
	_, ok := w.depth[h]
	return ok
}

// extend records a newly reached parent on the frontier.
func (w *sideWalk) extend(h object.Hash, gen uint64, depth int) {
	w.depth[h] = depth
	heap.Push(&w.frontier, frontierEntry{hash: h, gen: gen})
}
