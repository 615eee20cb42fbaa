package metadata

import (
	"sort"

	"github.com/INLOpen/tstore/checkpoint"
	"github.com/RoaringBitmap/roaring"
)

// Table is an immutable set of checkpoint files. Every change produces a
// new Table with a higher Version; readers holding an old Table keep a
// consistent view.
type Table struct {
	Version       uint64
	CheckpointLSN uint64
	files         map[uint32]*FileMetadata
	sorted        []*FileMetadata
}

// NewTable builds a table from a list of files.
func NewTable(version, checkpointLSN uint64, files ...*FileMetadata) *Table {
	t := &Table{
		Version:       version,
		CheckpointLSN: checkpointLSN,
		files:         make(map[uint32]*FileMetadata, len(files)),
	}
	for _, f := range files {
		t.files[f.ID] = f
	}
	t.sorted = make([]*FileMetadata, 0, len(t.files))
	for _, f := range t.files {
		t.sorted = append(t.sorted, f)
	}
	sort.Slice(t.sorted, func(i, j int) bool { return t.sorted[i].ID < t.sorted[j].ID })
	return t
}

// Apply returns the next table: this one minus remove plus add.
func (t *Table) Apply(remove []uint32, add ...*FileMetadata) *Table {
	drop := make(map[uint32]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	files := make([]*FileMetadata, 0, len(t.sorted)+len(add))
	for _, f := range t.sorted {
		if _, ok := drop[f.ID]; !ok {
			files = append(files, f)
		}
	}
	files = append(files, add...)
	return NewTable(t.Version+1, t.CheckpointLSN, files...)
}

// With returns the next table with files added.
func (t *Table) With(add ...*FileMetadata) *Table { return t.Apply(nil, add...) }

// Without returns the next table with files removed.
func (t *Table) Without(ids ...uint32) *Table { return t.Apply(ids) }

// WithLSN returns a copy of the table carrying a new checkpoint LSN and version.
func (t *Table) WithLSN(lsn uint64) *Table {
	n := NewTable(t.Version+1, lsn, t.sorted...)
	return n
}

// Get returns the file with the given id.
func (t *Table) Get(id uint32) (*FileMetadata, bool) {
	f, ok := t.files[id]
	return f, ok
}

// Contains reports whether the table references the file id.
func (t *Table) Contains(id uint32) bool {
	_, ok := t.files[id]
	return ok
}

// Len returns the number of files.
func (t *Table) Len() int { return len(t.sorted) }

// Files returns the files ordered by id, oldest first. The slice must not be modified.
func (t *Table) Files() []*FileMetadata { return t.sorted }

// IDs returns the set of file ids.
func (t *Table) IDs() *roaring.Bitmap {
	bm := roaring.New()
	for _, f := range t.sorted {
		bm.Add(f.ID)
	}
	return bm
}

// TotalSize sums the on-disk size of every file.
func (t *Table) TotalSize() int64 {
	var n int64
	for _, f := range t.sorted {
		n += f.Size
	}
	return n
}

// MinVersionOutside returns the lowest MinVersion among files not in ids.
// ok is false when every file is in ids.
func (t *Table) MinVersionOutside(ids *roaring.Bitmap) (minVersion uint64, ok bool) {
	for _, f := range t.sorted {
		if ids != nil && ids.Contains(f.ID) {
			continue
		}
		if !ok || f.MinVersion < minVersion {
			minVersion, ok = f.MinVersion, true
		}
	}
	return minVersion, ok
}

// Diff returns the ids present in next but not in t, and the ids present in t
// but not in next.
func (t *Table) Diff(next *Table) (added, removed []uint32) {
	for _, f := range next.sorted {
		if !t.Contains(f.ID) {
			added = append(added, f.ID)
		}
	}
	for _, f := range t.sorted {
		if !next.Contains(f.ID) {
			removed = append(removed, f.ID)
		}
	}
	return added, removed
}

// Manifest converts the table to its persisted form.
func (t *Table) Manifest(nextFileID uint32, lastVersion uint64) checkpoint.Manifest {
	m := checkpoint.Manifest{
		TableVersion:  t.Version,
		CheckpointLSN: t.CheckpointLSN,
		NextFileID:    nextFileID,
		LastVersion:   lastVersion,
		Files:         make([]checkpoint.FileEntry, 0, len(t.sorted)),
	}
	for _, f := range t.sorted {
		m.Files = append(m.Files, f.Entry())
	}
	return m
}

// TableFromManifest rebuilds a table from its persisted form.
func TableFromManifest(dir string, m checkpoint.Manifest) *Table {
	files := make([]*FileMetadata, 0, len(m.Files))
	for _, e := range m.Files {
		files = append(files, FromEntry(dir, e))
	}
	return NewTable(m.TableVersion, m.CheckpointLSN, files...)
}
