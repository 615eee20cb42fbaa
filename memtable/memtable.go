package memtable

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/skiplist"
	"github.com/INLOpen/tstore/core"
)

// MemtableKey orders versions of a key inside the skiplist.
type MemtableKey struct {
	Key     []byte
	Version uint64
}

// entryOverhead approximates the per-node bookkeeping of the skiplist.
const entryOverhead = 48

// comparator sorts by key ascending, then by version descending so that the
// newest version of a key is the first one a Seek lands on.
func comparator(a, b *MemtableKey) int {
	if cmp := bytes.Compare(a.Key, b.Key); cmp != 0 {
		return cmp
	}
	if a.Version > b.Version {
		return -1
	}
	if a.Version < b.Version {
		return 1
	}
	return 0
}

// Memtable is the differential state: every version written since it was
// created, kept sorted by (key asc, version desc). Once frozen it is only read.
type Memtable struct {
	mu           sync.RWMutex
	data         *skiplist.SkipList[*MemtableKey, *core.VersionedItem]
	sizeBytes    int64
	minVersion   uint64
	maxVersion   uint64
	frozen       bool
	CreationTime time.Time
	// CheckpointLSN is the log sequence number recorded when the memtable was frozen.
	CheckpointLSN uint64
}

// New creates an empty, writable memtable.
func New() *Memtable {
	return &Memtable{
		data:         skiplist.NewWithComparator[*MemtableKey, *core.VersionedItem](comparator),
		CreationTime: time.Now(),
	}
}

// Put stores a copy of item. Writing the same (key, version) twice replaces
// the earlier copy.
func (m *Memtable) Put(item *core.VersionedItem) error {
	if item == nil || len(item.Key) == 0 {
		return &core.ValidationError{Field: "key", Message: "must not be empty"}
	}
	if !item.Kind.IsValid() {
		return &core.ValidationError{Field: "kind", Value: item.Kind.String(), Message: "unknown record kind"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return fmt.Errorf("put into frozen memtable (key %q)", item.Key)
	}

	stored := item.Clone()
	if stored.IsTombstone() {
		stored.Value = nil
	}
	key := &MemtableKey{Key: stored.Key, Version: stored.Version}
	if old := m.data.Insert(key, stored); old != nil {
		m.sizeBytes -= itemSize(old.Value())
	}
	m.sizeBytes += itemSize(stored)

	if m.minVersion == 0 || stored.Version < m.minVersion {
		m.minVersion = stored.Version
	}
	if stored.Version > m.maxVersion {
		m.maxVersion = stored.Version
	}
	return nil
}

// Get returns the newest version of key, tombstones included.
func (m *Memtable) Get(key []byte) (*core.VersionedItem, bool) {
	return m.GetAt(key, ^uint64(0))
}

// GetAt returns the newest version of key whose version is <= maxVersion.
func (m *Memtable) GetAt(key []byte, maxVersion uint64) (*core.VersionedItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.data.Seek(&MemtableKey{Key: key, Version: maxVersion})
	if !ok {
		return nil, false
	}
	if !bytes.Equal(node.Key().Key, key) {
		return nil, false
	}
	return node.Value(), true
}

// Freeze makes the memtable read-only and records the checkpoint cut.
func (m *Memtable) Freeze(lsn uint64) {
	m.mu.Lock()
	m.frozen = true
	m.CheckpointLSN = lsn
	m.mu.Unlock()
}

// IsFrozen reports whether Freeze was called.
func (m *Memtable) IsFrozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Size returns the estimated size of the data in the memtable in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Len returns the number of versions held, not the number of distinct keys.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// VersionRange returns the lowest and highest version written. Both are zero
// for an empty memtable.
func (m *Memtable) VersionRange() (minVersion, maxVersion uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minVersion, m.maxVersion
}

// Iterator returns an iterator over the newest version of each distinct key.
// The iterator holds a read lock on the memtable until Close is called.
func (m *Memtable) Iterator() core.IteratorInterface {
	m.mu.RLock()
	return &MemtableIterator{
		mu:   &m.mu,
		iter: m.data.NewIterator(),
	}
}

func itemSize(it *core.VersionedItem) int64 {
	return int64(len(it.Key)+len(it.Value)) + core.VersionSize + 1 + entryOverhead
}
