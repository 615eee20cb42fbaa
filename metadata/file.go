package metadata

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/INLOpen/tstore/checkpoint"
	"github.com/INLOpen/tstore/sstable"
)

// FileMetadata describes one checkpoint file pair. The descriptive fields
// never change after creation; the counters are updated concurrently.
//
// refs starts at 1, the reference held by the table lineage. Readers take
// additional references around file I/O with TryRef/Release. When a file
// leaves the table the lineage reference is released, and once refs reaches
// zero the file may be deleted.
type FileMetadata struct {
	ID             uint32
	KeyPath        string
	ValuePath      string
	Size           int64
	TotalEntries   uint64
	DeletedEntries uint64
	MinVersion     uint64
	MaxVersion     uint64
	// LogicalTimestamp is the checkpoint generation of the oldest data in the file.
	LogicalTimestamp uint64

	invalid  atomic.Uint64
	refs     atomic.Int32
	retained atomic.Bool
	reader   atomic.Pointer[sstable.Reader]
}

// NewFileMetadata builds the metadata for a freshly written file pair.
func NewFileMetadata(info *sstable.Info, logicalTimestamp uint64) *FileMetadata {
	f := &FileMetadata{
		ID:               info.ID,
		KeyPath:          info.KeyPath,
		ValuePath:        info.ValuePath,
		Size:             info.Size(),
		TotalEntries:     info.Entries,
		DeletedEntries:   info.Tombstones,
		MinVersion:       info.MinVersion,
		MaxVersion:       info.MaxVersion,
		LogicalTimestamp: logicalTimestamp,
	}
	f.refs.Store(1)
	return f
}

// FromEntry rebuilds metadata from its persisted form. Paths are resolved
// against dir.
func FromEntry(dir string, e checkpoint.FileEntry) *FileMetadata {
	f := &FileMetadata{
		ID:               e.ID,
		KeyPath:          filepath.Join(dir, e.KeyFile),
		ValuePath:        filepath.Join(dir, e.ValueFile),
		Size:             e.Size,
		TotalEntries:     e.TotalEntries,
		DeletedEntries:   e.DeletedEntries,
		MinVersion:       e.MinVersion,
		MaxVersion:       e.MaxVersion,
		LogicalTimestamp: e.LogicalTimestamp,
	}
	f.invalid.Store(e.InvalidEntries)
	f.refs.Store(1)
	return f
}

// Entry returns the persisted form of the metadata.
func (f *FileMetadata) Entry() checkpoint.FileEntry {
	return checkpoint.FileEntry{
		ID:               f.ID,
		KeyFile:          filepath.Base(f.KeyPath),
		ValueFile:        filepath.Base(f.ValuePath),
		Size:             f.Size,
		TotalEntries:     f.TotalEntries,
		DeletedEntries:   f.DeletedEntries,
		InvalidEntries:   f.NumberOfInvalidEntries(),
		MinVersion:       f.MinVersion,
		MaxVersion:       f.MaxVersion,
		LogicalTimestamp: f.LogicalTimestamp,
	}
}

// NumberOfInvalidEntries counts entries superseded or deleted by later checkpoints.
func (f *FileMetadata) NumberOfInvalidEntries() uint64 { return f.invalid.Load() }

// AddInvalid records n more invalid entries.
func (f *FileMetadata) AddInvalid(n uint64) { f.invalid.Add(n) }

// SetInvalid overwrites the invalid counter. Used by recovery.
func (f *FileMetadata) SetInvalid(n uint64) { f.invalid.Store(n) }

// FullyInvalid reports whether every entry of the file was superseded.
func (f *FileMetadata) FullyInvalid() bool {
	return f.TotalEntries > 0 && f.NumberOfInvalidEntries() >= f.TotalEntries
}

// TryRef takes a reference unless the count already dropped to zero.
func (f *FileMetadata) TryRef() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Ref takes a reference on a file known to be live.
func (f *FileMetadata) Ref() {
	if f.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("metadata: Ref on released file %d", f.ID))
	}
}

// Release drops one reference and returns the remaining count.
func (f *FileMetadata) Release() int32 {
	n := f.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("metadata: file %d released more often than referenced", f.ID))
	}
	return n
}

// Refs returns the current reference count.
func (f *FileMetadata) Refs() int32 { return f.refs.Load() }

// SetRetained marks the file as pinned by an open snapshot.
func (f *FileMetadata) SetRetained(v bool) { f.retained.Store(v) }

// Retained reports whether an open snapshot still needs the file.
func (f *FileMetadata) Retained() bool { return f.retained.Load() }

// AttachReader sets the open reader serving this file.
func (f *FileMetadata) AttachReader(r *sstable.Reader) { f.reader.Store(r) }

// Reader returns the attached reader, or nil.
func (f *FileMetadata) Reader() *sstable.Reader { return f.reader.Load() }

// DetachReader removes and returns the attached reader.
func (f *FileMetadata) DetachReader() *sstable.Reader { return f.reader.Swap(nil) }

func (f *FileMetadata) String() string {
	return fmt.Sprintf("file(%d size=%d entries=%d invalid=%d deleted=%d ts=%d refs=%d)",
		f.ID, f.Size, f.TotalEntries, f.NumberOfInvalidEntries(), f.DeletedEntries, f.LogicalTimestamp, f.Refs())
}
