package cache

import "expvar"

// BlockKey identifies one decoded value block of one checkpoint file.
type BlockKey struct {
	FileID uint32
	Offset int64
}

// Interface defines the public API of the value-block cache.
type Interface interface {
	Put(key BlockKey, value []byte)
	Get(key BlockKey) (value []byte, ok bool)
	// EvictFile drops every block of a file and returns how many were dropped.
	EvictFile(fileID uint32) int
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}
