package iterator

import (
	"bytes"
	"container/heap"
	"errors"

	"github.com/INLOpen/tstore/core"
)

var (
	_ core.IteratorInterface = (*MergingIterator)(nil)
	_ core.IteratorInterface = (*EmptyIterator)(nil)
	_ core.IteratorInterface = (*SliceIterator)(nil)
)

// MergingIteratorParams holds all parameters for creating a MergingIterator.
type MergingIteratorParams struct {
	// Iters are the sources, each sorted by key asc and version desc. They
	// are owned by the merging iterator and closed by it.
	Iters []core.IteratorInterface
	// LatestOnly emits only the newest version of each key. When false every
	// version from every source is emitted, duplicates included.
	LatestOnly bool
}

// MergingIterator combines multiple sorted sources into a single sorted view.
type MergingIterator struct {
	iters      []core.IteratorInterface
	heap       minHeap
	latestOnly bool

	// advance is the source whose item was emitted last. It is moved forward
	// lazily on the following Next so the emitted item stays valid until then.
	advance *heapItem
	current *heapItem
	lastKey []byte
	err     error
	closed  bool
}

// NewMergingIterator primes every source and builds the heap.
func NewMergingIterator(params MergingIteratorParams) (*MergingIterator, error) {
	mi := &MergingIterator{
		iters:      params.Iters,
		heap:       make(minHeap, 0, len(params.Iters)),
		latestOnly: params.LatestOnly,
	}
	for i, iter := range mi.iters {
		if iter.Next() {
			item, err := iter.At()
			if err != nil {
				mi.Close()
				return nil, err
			}
			mi.heap = append(mi.heap, &heapItem{iter: iter, item: item, source: i})
		} else if err := iter.Error(); err != nil {
			mi.Close()
			return nil, err
		}
	}
	heap.Init(&mi.heap)
	return mi, nil
}

// Next moves to the next item in (key asc, version desc) order.
func (mi *MergingIterator) Next() bool {
	if mi.err != nil || mi.closed {
		return false
	}
	for {
		if mi.advance != nil {
			if err := mi.step(mi.advance); err != nil {
				mi.err = err
				mi.current = nil
				return false
			}
			mi.advance = nil
		}
		if mi.heap.Len() == 0 {
			mi.current = nil
			return false
		}
		top := mi.heap[0]
		mi.advance = top
		if mi.latestOnly && mi.lastKey != nil && bytes.Equal(top.item.Key, mi.lastKey) {
			continue
		}
		mi.current = top
		mi.lastKey = append(mi.lastKey[:0], top.item.Key...)
		return true
	}
}

// step advances one source and restores the heap order.
func (mi *MergingIterator) step(h *heapItem) error {
	if h.iter.Next() {
		item, err := h.iter.At()
		if err != nil {
			return err
		}
		h.item = item
		heap.Fix(&mi.heap, mi.indexOf(h))
		return nil
	}
	if err := h.iter.Error(); err != nil {
		return err
	}
	heap.Remove(&mi.heap, mi.indexOf(h))
	return nil
}

// indexOf finds h in the heap. The advanced source is always the top because
// nothing else moved since it was emitted.
func (mi *MergingIterator) indexOf(h *heapItem) int {
	if len(mi.heap) > 0 && mi.heap[0] == h {
		return 0
	}
	for i, x := range mi.heap {
		if x == h {
			return i
		}
	}
	return -1
}

// At returns the current item. It is only valid until the next call to Next.
func (mi *MergingIterator) At() (*core.VersionedItem, error) {
	if mi.current == nil {
		return nil, errors.New("merging iterator is not positioned")
	}
	return mi.current.item, nil
}

// Source returns the index, within Params.Iters, of the source that produced
// the current item.
func (mi *MergingIterator) Source() int {
	if mi.current == nil {
		return -1
	}
	return mi.current.source
}

func (mi *MergingIterator) Error() error { return mi.err }

// Close closes every source and returns the first error encountered.
func (mi *MergingIterator) Close() error {
	if mi.closed {
		return nil
	}
	mi.closed = true
	var errs []error
	for _, iter := range mi.iters {
		if err := iter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	mi.heap = nil
	mi.current = nil
	return errors.Join(errs...)
}

// EmptyIterator is an iterator that is always exhausted.
type EmptyIterator struct{}

// NewEmptyIterator creates a new empty iterator.
func NewEmptyIterator() *EmptyIterator {
	return &EmptyIterator{}
}

func (it *EmptyIterator) Next() bool { return false }

func (it *EmptyIterator) At() (*core.VersionedItem, error) {
	return nil, errors.New("empty iterator has no items")
}

func (it *EmptyIterator) Error() error { return nil }
func (it *EmptyIterator) Close() error { return nil }

// SliceIterator walks an already sorted slice of items.
type SliceIterator struct {
	items []*core.VersionedItem
	pos   int
}

// NewSliceIterator wraps items, which must be sorted by key asc and version desc.
func NewSliceIterator(items []*core.VersionedItem) *SliceIterator {
	return &SliceIterator{items: items, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) At() (*core.VersionedItem, error) {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil, errors.New("slice iterator is not positioned")
	}
	return it.items[it.pos], nil
}

func (it *SliceIterator) Error() error { return nil }
func (it *SliceIterator) Close() error { return nil }
