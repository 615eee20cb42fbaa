package iterator

import (
	"bytes"

	"github.com/INLOpen/tstore/core"
)

// heapItem is one primed source inside the merge heap. The item pointer is
// owned by the source and stays valid until the source is advanced.
type heapItem struct {
	iter   core.IteratorInterface
	item   *core.VersionedItem
	source int
}

// minHeap implements heap.Interface ordering sources by key ascending, then
// version descending, then source index ascending.
type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if cmp := bytes.Compare(a.item.Key, b.item.Key); cmp != 0 {
		return cmp < 0
	}
	// The newer version of a key is "smaller" so it is emitted first.
	if a.item.Version != b.item.Version {
		return a.item.Version > b.item.Version
	}
	return a.source < b.source
}

func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}
