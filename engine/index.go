package engine

import (
	"sync"

	"github.com/INLOpen/tstore/merge"
	"github.com/INLOpen/tstore/metadata"
)

type indexEntry struct {
	version   uint64
	tombstone bool
	file      *metadata.FileMetadata
}

// Index is the consolidated view: for every key stored in checkpoint files,
// the newest version and the file holding it. It keeps the invalid counters
// of the files in step with the versions it displaces.
type Index struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

var _ merge.Validity = (*Index)(nil)

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]indexEntry)}
}

// IsLatest reports whether fileID holds the newest checkpointed version of key.
func (ix *Index) IsLatest(key []byte, version uint64, fileID uint32) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[string(key)]
	return ok && e.version == version && e.file.ID == fileID
}

// Lookup returns the newest checkpointed version of key.
func (ix *Index) Lookup(key []byte) (version uint64, tombstone bool, file *metadata.FileMetadata, ok bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[string(key)]
	if !ok {
		return 0, false, nil, false
	}
	return e.version, e.tombstone, e.file, true
}

// Live reports whether key has a checkpointed version that is not a tombstone.
func (ix *Index) Live(key []byte) bool {
	_, tombstone, _, ok := ix.Lookup(key)
	return ok && !tombstone
}

// Len returns the number of indexed keys, tombstones included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// ApplyFile folds a new checkpoint file into the index. Every version it
// displaces counts as invalid in the file that held it; a record that is
// already outdated counts as invalid in f itself. On equal versions the
// file indexed first wins.
func (ix *Index) ApplyFile(f *metadata.FileMetadata) {
	r := f.Reader()
	if r == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, rec := range r.Entries() {
		key := string(rec.Key)
		cur, ok := ix.entries[key]
		if ok && cur.version >= rec.Version {
			f.AddInvalid(1)
			continue
		}
		if ok {
			cur.file.AddInvalid(1)
		}
		ix.entries[key] = indexEntry{version: rec.Version, tombstone: rec.IsTombstone(), file: f}
	}
}

// ApplyMergeResult repoints relocated records at the merge output and forgets
// dropped tombstones. Records superseded while a background merge ran are
// left alone and counted as invalid in the output instead.
func (ix *Index) ApplyMergeResult(res *merge.Result) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, rel := range res.Relocated {
		key := string(rel.Key)
		cur, ok := ix.entries[key]
		if ok && cur.version == rel.Version && cur.file.ID == rel.From {
			cur.file = res.Output
			ix.entries[key] = cur
			continue
		}
		if res.Output != nil {
			res.Output.AddInvalid(1)
		}
	}
	for _, d := range res.Dropped {
		key := string(d.Key)
		if cur, ok := ix.entries[key]; ok && cur.version == d.Version && cur.file.ID == d.From {
			delete(ix.entries, key)
		}
	}
}

// Reset drops every entry.
func (ix *Index) Reset() {
	ix.mu.Lock()
	ix.entries = make(map[string]indexEntry)
	ix.mu.Unlock()
}
