package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected free list of buffers. Unlike sync.Pool its
// contents survive garbage collection, which suits the long-running block
// encode/decode loops of checkpoint writing and merging.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxItems int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// DefaultBlockBufferSize is the starting capacity of pooled block buffers.
const DefaultBlockBufferSize = 32 * 1024

// BufferPool is shared by the value-block writer and reader.
var BufferPool = NewBufferPool(DefaultBlockBufferSize, 256)

// NewBufferPool creates a pool that hands out buffers with the given initial
// capacity and keeps at most maxItems idle buffers.
func NewBufferPool(capacity, maxItems int) *bufferPool {
	return &bufferPool{
		items:    make([]*bytes.Buffer, 0, maxItems),
		capacity: capacity,
		maxItems: maxItems,
	}
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if n := len(bp.items); n > 0 {
		item := bp.items[n-1]
		bp.items = bp.items[:n-1]
		bp.mu.Unlock()
		bp.hits.Add(1)
		return item
	}
	bp.mu.Unlock()
	bp.misses.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.capacity))
}

// Put returns a buffer to the pool. Buffers beyond maxItems are dropped.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxItems {
		bp.items = append(bp.items, buf)
	}
	bp.mu.Unlock()
}

// GetMetrics returns the hit and miss counters.
func (bp *bufferPool) GetMetrics() (hits, misses uint64) {
	return bp.hits.Load(), bp.misses.Load()
}
