package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type cacheEntry struct {
	key   BlockKey
	value []byte
}

var _ Interface = (*LRUCache)(nil)

// LRUCache is a fixed-size LRU cache of decoded value blocks. It is shared by
// every reader of a store, so blocks are also indexed per file for eviction
// when a file is deleted.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[BlockKey]*list.Element
	byFile     map[uint32]map[int64]struct{}
	onEvicted  func(key BlockKey, value []byte)

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRUCache creates a cache holding at most capacity blocks. A capacity
// <= 0 disables the cache.
func NewLRUCache(capacity int, onEvicted func(key BlockKey, value []byte)) *LRUCache {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[BlockKey]*list.Element),
		byFile:     make(map[uint32]map[int64]struct{}),
		onEvicted:  onEvicted,
	}
}

func (c *LRUCache) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a block from the cache. A disabled cache counts nothing.
func (c *LRUCache) Get(key BlockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return nil, false
	}
	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put adds a block to the cache. The cache keeps value; callers must not modify it afterwards.
func (c *LRUCache) Put(key BlockKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}
	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	c.cacheItems[key] = c.lruList.PushFront(&cacheEntry{key: key, value: value})
	offsets, ok := c.byFile[key.FileID]
	if !ok {
		offsets = make(map[int64]struct{})
		c.byFile[key.FileID] = offsets
	}
	offsets[key.Offset] = struct{}{}
}

// EvictFile removes all blocks that belong to fileID.
func (c *LRUCache) EvictFile(fileID uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := c.byFile[fileID]
	for off := range offsets {
		key := BlockKey{FileID: fileID, Offset: off}
		if elem, ok := c.cacheItems[key]; ok {
			c.removeElement(elem)
		}
	}
	delete(c.byFile, fileID)
	return len(offsets)
}

// Len returns the current number of blocks in the cache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used block. Must be called with c.mu locked.
func (c *LRUCache) evict() {
	if elem := c.lruList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	entry := c.lruList.Remove(elem).(*cacheEntry)
	delete(c.cacheItems, entry.key)
	if offsets, ok := c.byFile[entry.key.FileID]; ok {
		delete(offsets, entry.key.Offset)
		if len(offsets) == 0 {
			delete(c.byFile, entry.key.FileID)
		}
	}
	if c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value)
	}
}

// Clear removes all entries from the cache and resets the metrics.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry)
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[BlockKey]*list.Element)
	c.byFile = make(map[uint32]map[int64]struct{})
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate. This is useful for expvar.Func.
func (c *LRUCache) GetHitRate() float64 {
	c.mu.Lock()
	hitsVar, missesVar := c.hits, c.misses
	c.mu.Unlock()

	var hits, misses float64
	if hitsVar != nil {
		hits = float64(hitsVar.Value())
	}
	if missesVar != nil {
		misses = float64(missesVar.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
