package search

import (
	"cmp"
	"container/heap"
	"slices"
)

// compareKeys orders by f_cost, then depth, then creation order.
func compareKeys(a, b PopKey) int {
	if c := cmp.Compare(a.FCost, b.FCost); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Depth, b.Depth); c != 0 {
		return c
	}
	return cmp.Compare(a.CreationOrder, b.CreationOrder)
}

type nodeHeap []*Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return compareKeys(h[i].PopKey(), h[j].PopKey()) < 0 }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return n
}

// frontier is a best-first open list with a first-seen-wins visited set.
// Creation orders are unique, so the pop order is total.
type frontier struct {
	heap      nodeHeap
	visited   map[string]struct{}
	highWater uint64
	release   bool
}

func newFrontier(prune PruneVisitedPolicy) *frontier {
	return &frontier{
		visited: make(map[string]struct{}),
		release: prune == PruneReleaseVisited,
	}
}

// push adds n and marks its fingerprint visited. It reports false when the
// fingerprint was already seen.
func (f *frontier) push(n *Node) bool {
	fp := n.Fingerprint.Hex()
	if _, seen := f.visited[fp]; seen {
		return false
	}
	f.visited[fp] = struct{}{}
	heap.Push(&f.heap, n)
	if size := uint64(f.heap.Len()); size > f.highWater {
		f.highWater = size
	}
	return true
}

func (f *frontier) pop() (*Node, bool) {
	if f.heap.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&f.heap).(*Node), true
}

func (f *frontier) isVisited(fpHex string) bool {
	_, ok := f.visited[fpHex]
	return ok
}

func (f *frontier) len() int { return f.heap.Len() }

// pruneTo keeps the best max entries and returns the evicted node ids in
// frontier order.
func (f *frontier) pruneTo(max int) []uint64 {
	if f.heap.Len() <= max {
		return nil
	}
	entries := slices.Clone(f.heap)
	slices.SortFunc(entries, func(a, b *Node) int { return compareKeys(a.PopKey(), b.PopKey()) })

	evicted := entries[max:]
	ids := make([]uint64, 0, len(evicted))
	for _, n := range evicted {
		ids = append(ids, n.ID)
		if f.release {
			delete(f.visited, n.Fingerprint.Hex())
		}
	}

	f.heap = nodeHeap(entries[:max:max])
	heap.Init(&f.heap)
	return ids
}
