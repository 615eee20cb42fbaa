package memtable

import (
	"bytes"
	"sync"

	"github.com/INLOpen/skiplist"
	"github.com/INLOpen/tstore/core"
)

// MemtableIterator iterates over the latest version of each distinct key in the memtable.
// It is not safe for concurrent use by multiple goroutines.
type MemtableIterator struct {
	mu      *sync.RWMutex // The lock from the parent memtable. MUST be released by Close().
	iter    *skiplist.Iterator[*MemtableKey, *core.VersionedItem]
	lastKey []byte
	started bool
	done    bool
	closed  bool
}

// Next moves the iterator to the next distinct key. Because versions of a key
// are stored newest first, the first node of each key run is the one we want.
func (it *MemtableIterator) Next() bool {
	if it.done || it.closed {
		return false
	}
	for it.iter.Next() {
		k := it.iter.Key().Key
		if it.started && bytes.Equal(k, it.lastKey) {
			continue
		}
		it.started = true
		it.lastKey = k
		return true
	}
	it.done = true
	return false
}

// At returns the current item. It is shared with the memtable and must not be modified.
func (it *MemtableIterator) At() (*core.VersionedItem, error) {
	return it.iter.Value(), nil
}

func (it *MemtableIterator) Error() error { return nil }

// Close releases the read lock on the memtable. It is safe to call more than once.
func (it *MemtableIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.mu.RUnlock()
	return nil
}
