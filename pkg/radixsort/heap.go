package radixsort

import (
	"container/heap"

	"github.com/rubythonode/tippecanoe/pkg/feature"
)

// cursor tracks one sorted shard's current read position during the
// k-way merge.
type cursor struct {
	pos int
	end int
}

// mergeHeap is a container/heap.Interface over the shard cursors,
// ordered by the IndexRecord each cursor currently points at.
type mergeHeap struct {
	cursors []cursor
	records []feature.IndexRecord
}

func (h *mergeHeap) Len() int { return len(h.cursors) }

func (h *mergeHeap) Less(i, j int) bool {
	return feature.Less(h.records[h.cursors[i].pos], h.records[h.cursors[j].pos])
}

func (h *mergeHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

func (h *mergeHeap) Push(x any) {
	h.cursors = append(h.cursors, x.(cursor))
}

func (h *mergeHeap) Pop() any {
	n := len(h.cursors)
	c := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return c
}

func heapInit(h *mergeHeap) { heap.Init(h) }
func heapFix(h *mergeHeap, i int) { heap.Fix(h, i) }
func heapPop(h *mergeHeap) { heap.Pop(h) }
