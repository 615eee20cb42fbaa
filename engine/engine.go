package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/tstore/cache"
	"github.com/INLOpen/tstore/compressors"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/memtable"
	"github.com/INLOpen/tstore/merge"
	"github.com/INLOpen/tstore/metadata"
	"github.com/INLOpen/tstore/sys"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	fileRemoveRetryInterval = 50 * time.Millisecond
	maxLookupRetries        = 16
)

// Engine is a versioned key-value store. Commits land in the active
// differential state; checkpoints turn frozen differentials into immutable
// file pairs and merges keep the number of files and superseded entries down.
type Engine struct {
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	hooks      hooks.HookManager
	ownHooks   bool
	metrics    *EngineMetrics
	compressor core.Compressor
	blockCache *cache.LRUCache

	meta      *metadata.Manager
	executor  *merge.Executor
	evaluator merge.Evaluator // guarded by checkpointMu
	buckets   atomic.Pointer[merge.FileCountConfiguration]
	index     *Index
	snapshots *SnapshotContainer
	deletions *FilesToBeDeleted

	// commitMu serializes commits, PrepareCheckpoint and snapshot starts.
	commitMu sync.Mutex
	// stateMu guards the differential generations below.
	stateMu     sync.RWMutex
	active      *memtable.Memtable
	deltas      []*memtable.Memtable // oldest first
	prepared    bool
	preparedLSN uint64

	seq        atomic.Uint64
	lsn        atomic.Uint64
	snapshotID atomic.Uint64

	// checkpointMu is the checkpoint token: one PerformCheckpoint at a time.
	checkpointMu sync.Mutex
	taskSeq      uint64
	bgMu         sync.Mutex
	bg           *backgroundMerge
	mergeTable   atomic.Pointer[metadata.Table]
	bgCtx        context.Context
	bgCancel     context.CancelFunc
	wg           sync.WaitGroup

	closed  atomic.Bool
	failMu  sync.Mutex
	failed  error
	unlock  func() error
	started time.Time
}

// Get returns the latest committed value of key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	e.metrics.GetTotal.Add(1)
	if it, ok := e.getFromMemory(key); ok {
		if it.IsTombstone() {
			return nil, core.ErrKeyNotFound
		}
		return append([]byte(nil), it.Value...), nil
	}
	return e.getFromFiles(key)
}

// getFromMemory looks key up in the active differential, then in the frozen
// ones from newest to oldest.
func (e *Engine) getFromMemory(key []byte) (*core.VersionedItem, bool) {
	e.stateMu.RLock()
	active := e.active
	deltas := e.deltas
	e.stateMu.RUnlock()

	if it, ok := active.Get(key); ok {
		return it, true
	}
	for i := len(deltas) - 1; i >= 0; i-- {
		if it, ok := deltas[i].Get(key); ok {
			return it, true
		}
	}
	return nil, false
}

func (e *Engine) getFromFiles(key []byte) ([]byte, error) {
	for attempt := 0; attempt < maxLookupRetries; attempt++ {
		version, tombstone, f, ok := e.index.Lookup(key)
		if !ok || tombstone {
			return nil, core.ErrKeyNotFound
		}
		if !f.TryRef() {
			// Replaced by a merge; the index already points elsewhere.
			continue
		}
		value, err := e.readFromFile(f, key, version)
		f.Release()
		return value, err
	}
	return nil, fmt.Errorf("lookup of %q kept racing with merges", key)
}

func (e *Engine) readFromFile(f *metadata.FileMetadata, key []byte, version uint64) ([]byte, error) {
	r := f.Reader()
	if r == nil {
		return nil, &core.IntegrityError{FileID: f.ID, Key: key, Reason: "referenced file has no reader"}
	}
	entry, ok := r.Get(key)
	if !ok || entry.Version != version {
		return nil, &core.IntegrityError{FileID: f.ID, Key: key, Reason: fmt.Sprintf("file does not hold indexed version %d", version)}
	}
	value, err := r.ReadValue(entry)
	if err != nil {
		return nil, e.fail(&core.IntegrityError{FileID: f.ID, Key: key, Reason: "unreadable value", Err: err})
	}
	return value, nil
}

// liveCommitted reports whether key has a committed version that is not a
// tombstone.
func (e *Engine) liveCommitted(key []byte) bool {
	if it, ok := e.getFromMemory(key); ok {
		return !it.IsTombstone()
	}
	return e.index.Live(key)
}

func (e *Engine) checkUsable() error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed != nil {
		return fmt.Errorf("engine failed: %w", e.failed)
	}
	return nil
}

// fail records the first fatal error. Every later call returns it.
func (e *Engine) fail(err error) error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed == nil {
		e.failed = err
		e.logger.Error("Engine failed", "error", err)
	}
	return err
}

// Err returns the fatal error the engine stopped on, if any.
func (e *Engine) Err() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failed
}

// Close stops background work, persists the metadata table and releases
// every file handle. Uncheckpointed commits are not persisted.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()
	if err := e.hooks.Trigger(ctx, hooks.NewPreCloseEngineEvent()); err != nil {
		e.logger.Warn("PreCloseEngine hook failed", "error", err)
	}

	e.bgCancel()
	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(e.opts.CloseTimeout):
		e.logger.Warn("Timed out waiting for background consolidation", "timeout", e.opts.CloseTimeout)
	}

	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	e.bgMu.Lock()
	if bg := e.bg; bg != nil {
		select {
		case <-bg.done:
			for _, res := range bg.results {
				e.discardOutput(res)
			}
		default:
		}
		e.bg = nil
	}
	e.bgMu.Unlock()
	e.mergeTable.Store(nil)

	e.stateMu.RLock()
	unsaved := e.active.Len()
	for _, d := range e.deltas {
		unsaved += d.Len()
	}
	e.stateMu.RUnlock()
	if unsaved > 0 {
		e.logger.Warn("Closing with uncheckpointed versions", "versions", unsaved)
	}

	var errs []error
	if e.Err() == nil {
		if err := e.meta.Persist(); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist metadata table: %w", err))
		}
	}
	e.meta.MarkClosed()
	e.snapshots.ReleaseAll()
	if _, err := e.deletions.Sweep(ctx); err != nil {
		e.logger.Warn("Failed to delete some merged files on close", "error", err)
	}
	e.deletions.closeAll()
	for _, f := range e.meta.Current().Files() {
		if r := f.DetachReader(); r != nil {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if e.blockCache != nil {
		e.blockCache.Clear()
	}

	e.hooks.Trigger(ctx, hooks.NewPostCloseEngineEvent())
	if e.ownHooks {
		e.hooks.Stop()
	}
	if e.unlock != nil {
		if err := e.unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release directory lock: %w", err))
		}
	}
	e.logger.Info("Engine closed", "uptime", time.Since(e.started))
	return errors.Join(errs...)
}

// RemoveState closes the engine and deletes everything in its directory.
func (e *Engine) RemoveState(ctx context.Context) error {
	closeErr := e.Close()
	entries, err := sys.ReadDir(e.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return closeErr
		}
		return errors.Join(closeErr, fmt.Errorf("failed to list %s: %w", e.opts.Dir, err))
	}
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errors.Join(closeErr, err)
		}
		if err := os.RemoveAll(filepath.Join(e.opts.Dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Removed store state", "dir", e.opts.Dir, "entries", len(entries))
	return errors.Join(closeErr, errors.Join(errs...))
}

// ConfigureMerge changes the merge settings for the following checkpoints.
func (e *Engine) ConfigureMerge(fn func(ev *merge.Evaluator)) {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	fn(&e.evaluator)
	buckets := e.evaluator.FileCount
	e.buckets.Store(&buckets)
}

// CurrentTable returns the installed metadata table.
func (e *Engine) CurrentTable() *metadata.Table { return e.meta.Current() }

// MergeMetadataTable returns the table a background merge is producing, or
// nil when no background merge is outstanding.
func (e *Engine) MergeMetadataTable() *metadata.Table { return e.mergeTable.Load() }

// ConsolidationDone is closed when the outstanding background merge ends.
// With no background merge it returns a closed channel.
func (e *Engine) ConsolidationDone() <-chan struct{} {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.bg == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.bg.done
}

// FilesToBeDeletedCount returns the number of merged-away files not yet deleted.
func (e *Engine) FilesToBeDeletedCount() int { return e.deletions.Count() }

// SnapshotCount returns the number of open snapshot transactions.
func (e *Engine) SnapshotCount() int { return e.snapshots.Count() }

// Dir returns the store directory.
func (e *Engine) Dir() string { return e.opts.Dir }

// Metrics returns the engine's metric set.
func (e *Engine) Metrics() *EngineMetrics { return e.metrics }

// Stats is a point-in-time summary of the store.
type Stats struct {
	TableVersion     uint64
	Files            int
	TotalSize        int64
	FilesPerBucket   map[string]int
	PendingDeltas    int
	ActiveVersions   int
	Sequence         uint64
	CheckpointLSN    uint64
	IndexedKeys      int
	Snapshots        int
	FilesToBeDeleted int
	BackgroundMerge  bool

	Checkpoints       int64
	Merges            int64
	MergesAborted     int64
	BytesReclaimed    int64
	CheckpointLatency Quantiles
	MergeLatency      Quantiles
}

// Stats summarises the store.
func (e *Engine) Stats() Stats {
	table := e.meta.Current()
	s := Stats{
		TableVersion:     table.Version,
		Files:            table.Len(),
		TotalSize:        table.TotalSize(),
		FilesPerBucket:   make(map[string]int),
		Sequence:         e.seq.Load(),
		CheckpointLSN:    e.lsn.Load(),
		IndexedKeys:      e.index.Len(),
		Snapshots:        e.snapshots.Count(),
		FilesToBeDeleted: e.deletions.Count(),
		BackgroundMerge:  e.mergeTable.Load() != nil,
		Checkpoints:      e.metrics.CheckpointTotal.Value(),
		Merges:           e.metrics.MergeTotal.Value(),
		MergesAborted:    e.metrics.MergeAbortedTotal.Value(),
		BytesReclaimed:   e.metrics.MergeBytesReclaimed.Value(),
	}
	buckets := e.buckets.Load()
	for _, f := range table.Files() {
		s.FilesPerBucket[buckets.Classify(f.Size).String()]++
	}
	e.stateMu.RLock()
	s.PendingDeltas = len(e.deltas)
	s.ActiveVersions = e.active.Len()
	e.stateMu.RUnlock()
	s.CheckpointLatency, s.MergeLatency = e.metrics.quantiles()
	return s
}

func newCompressor(ct core.CompressionType) (core.Compressor, error) {
	c, err := compressors.ForType(ct)
	if err != nil {
		return nil, &core.ValidationError{Field: "Compression", Value: ct.String(), Message: err.Error()}
	}
	return c, nil
}

func defaultTracer(tp trace.TracerProvider) trace.Tracer {
	if tp != nil {
		return tp.Tracer("github.com/INLOpen/tstore/engine")
	}
	return noop.NewTracerProvider().Tracer("")
}
