package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/tstore/cache"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/memtable"
	"github.com/INLOpen/tstore/metadata"
	"github.com/INLOpen/tstore/sys"
	"github.com/RoaringBitmap/roaring"
)

// snapshotView is everything a snapshot transaction reads from: the
// differential generations alive when it started and the pinned table.
type snapshotView struct {
	id        uint64
	seq       uint64
	table     *metadata.Table
	memtables []*memtable.Memtable
}

// get returns the newest version of key not above the snapshot sequence.
func (v *snapshotView) get(key []byte) (*core.VersionedItem, error) {
	var best *core.VersionedItem
	for _, mt := range v.memtables {
		if it, ok := mt.GetAt(key, v.seq); ok && (best == nil || it.Version > best.Version) {
			best = it
		}
	}
	for _, f := range v.table.Files() {
		r := f.Reader()
		if r == nil {
			return nil, &core.IntegrityError{FileID: f.ID, Reason: "pinned file has no reader"}
		}
		e, ok := r.Get(key)
		if !ok || e.Version > v.seq || (best != nil && e.Version <= best.Version) {
			continue
		}
		it, err := r.Item(e)
		if err != nil {
			return nil, fmt.Errorf("snapshot read of file %d: %w", f.ID, err)
		}
		best = it
	}
	return best, nil
}

// SnapshotContainer holds the tables pinned by open snapshot transactions.
// Every file of a pinned table carries one reference per snapshot and is
// flagged as retained, so neither a merge nor the deletion sweep touches it.
type SnapshotContainer struct {
	mu    sync.Mutex
	views map[uint64]*snapshotView
	pins  map[uint32]int
}

// NewSnapshotContainer creates an empty container.
func NewSnapshotContainer() *SnapshotContainer {
	return &SnapshotContainer{
		views: make(map[uint64]*snapshotView),
		pins:  make(map[uint32]int),
	}
}

// Pin registers a snapshot. current is consulted again whenever a file of
// the candidate table was released concurrently.
func (sc *SnapshotContainer) Pin(id, seq uint64, memtables []*memtable.Memtable, current func() *metadata.Table) *snapshotView {
	var table *metadata.Table
	for {
		table = current()
		if refAll(table) {
			break
		}
	}
	v := &snapshotView{id: id, seq: seq, table: table, memtables: memtables}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.views[id] = v
	for _, f := range table.Files() {
		sc.pins[f.ID]++
		f.SetRetained(true)
	}
	return v
}

// refAll references every file of table, or none of them.
func refAll(table *metadata.Table) bool {
	files := table.Files()
	for i, f := range files {
		if !f.TryRef() {
			for _, g := range files[:i] {
				g.Release()
			}
			return false
		}
	}
	return true
}

// Release unpins a snapshot. Releasing an unknown id is a no-op.
func (sc *SnapshotContainer) Release(id uint64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	v, ok := sc.views[id]
	if !ok {
		return
	}
	delete(sc.views, id)
	for _, f := range v.table.Files() {
		sc.pins[f.ID]--
		if sc.pins[f.ID] <= 0 {
			delete(sc.pins, f.ID)
			f.SetRetained(false)
		}
		f.Release()
	}
}

// Count returns the number of open snapshots.
func (sc *SnapshotContainer) Count() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.views)
}

// Pinned returns the ids of every file pinned by at least one snapshot.
func (sc *SnapshotContainer) Pinned() *roaring.Bitmap {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	bm := roaring.New()
	for id := range sc.pins {
		bm.Add(id)
	}
	return bm
}

// LowestSeq returns the lowest sequence an open snapshot reads at, or zero.
func (sc *SnapshotContainer) LowestSeq() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var lowest uint64
	for _, v := range sc.views {
		if lowest == 0 || v.seq < lowest {
			lowest = v.seq
		}
	}
	return lowest
}

// ReleaseAll unpins every snapshot. Used on close.
func (sc *SnapshotContainer) ReleaseAll() {
	sc.mu.Lock()
	ids := make([]uint64, 0, len(sc.views))
	for id := range sc.views {
		ids = append(ids, id)
	}
	sc.mu.Unlock()
	for _, id := range ids {
		sc.Release(id)
	}
}

// FilesToBeDeleted holds files that left the table but may still be read.
// A file is deleted by Sweep once its last reference is gone and no snapshot
// retains it.
type FilesToBeDeleted struct {
	mu         sync.Mutex
	files      map[uint32]*metadata.FileMetadata
	hooks      hooks.HookManager
	blockCache cache.Interface
	logger     *slog.Logger
}

func newFilesToBeDeleted(hm hooks.HookManager, blockCache cache.Interface, logger *slog.Logger) *FilesToBeDeleted {
	return &FilesToBeDeleted{
		files:      make(map[uint32]*metadata.FileMetadata),
		hooks:      hm,
		blockCache: blockCache,
		logger:     logger.With("component", "FilesToBeDeleted"),
	}
}

// Add queues files for deletion and drops their table lineage reference.
func (d *FilesToBeDeleted) Add(files ...*metadata.FileMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range files {
		if _, dup := d.files[f.ID]; dup {
			continue
		}
		d.files[f.ID] = f
		f.Release()
	}
}

// Count returns the number of files waiting for deletion.
func (d *FilesToBeDeleted) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

// Sweep deletes every queued file that nothing references any more. A
// PreFileDelete listener may veto a deletion; the file is then retried on the
// next sweep.
func (d *FilesToBeDeleted) Sweep(ctx context.Context) (deleted int, err error) {
	d.mu.Lock()
	var ready []*metadata.FileMetadata
	for _, f := range d.files {
		if f.Refs() == 0 && !f.Retained() {
			ready = append(ready, f)
		}
	}
	d.mu.Unlock()

	var errs []error
	for _, f := range ready {
		payload := hooks.FilePayload{ID: f.ID, KeyPath: f.KeyPath, ValuePath: f.ValuePath, Size: f.Size}
		if hookErr := d.hooks.Trigger(ctx, hooks.NewPreFileDeleteEvent(payload)); hookErr != nil {
			d.logger.Info("File deletion deferred by hook", "file_id", f.ID, "reason", hookErr)
			continue
		}
		if err := d.deleteFile(f); err != nil {
			errs = append(errs, err)
			continue
		}
		d.mu.Lock()
		delete(d.files, f.ID)
		d.mu.Unlock()
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (d *FilesToBeDeleted) deleteFile(f *metadata.FileMetadata) error {
	if r := f.DetachReader(); r != nil {
		if err := r.Close(); err != nil {
			d.logger.Warn("Failed to close reader of deleted file", "file_id", f.ID, "error", err)
		}
	}
	if d.blockCache != nil {
		d.blockCache.EvictFile(f.ID)
	}
	if err := sys.SafeRemove(f.KeyPath, 3, fileRemoveRetryInterval); err != nil {
		return fmt.Errorf("failed to delete key file of %d: %w", f.ID, err)
	}
	if err := sys.SafeRemove(f.ValuePath, 3, fileRemoveRetryInterval); err != nil {
		return fmt.Errorf("failed to delete value file of %d: %w", f.ID, err)
	}
	d.logger.Debug("Deleted checkpoint file", "file_id", f.ID, "size", f.Size)
	return nil
}

// closeAll closes the readers of every queued file without deleting it.
// Recovery removes the files on the next open.
func (d *FilesToBeDeleted) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		if r := f.DetachReader(); r != nil {
			_ = r.Close()
		}
	}
}
