package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/INLOpen/tstore/cache"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/memtable"
	"github.com/INLOpen/tstore/merge"
	"github.com/INLOpen/tstore/metadata"
	"github.com/INLOpen/tstore/sstable"
	"github.com/INLOpen/tstore/sys"
	"golang.org/x/sync/errgroup"
)

// Open opens or creates the store in opts.Dir. It takes the directory lock,
// removes what an interrupted checkpoint or merge left behind and rebuilds
// the consolidated index from the persisted metadata table.
func Open(opts Options) (_ *Engine, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = opts.Logger.With("component", "Engine")
	}
	compressor, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", opts.Dir, err)
	}
	unlock, err := sys.AcquireDirLock(filepath.Join(opts.Dir, core.LockFileName))
	if err != nil {
		return nil, fmt.Errorf("store %s is in use: %w", opts.Dir, err)
	}

	e := &Engine{
		opts:       opts,
		logger:     logger,
		tracer:     defaultTracer(opts.TracerProvider),
		hooks:      opts.Hooks,
		metrics:    opts.Metrics,
		compressor: compressor,
		index:      NewIndex(),
		snapshots:  NewSnapshotContainer(),
		active:     memtable.New(),
		unlock:     unlock,
		started:    time.Now(),
		evaluator: merge.Evaluator{
			Policy:                     opts.MergePolicy,
			MergeFilesCountThreshold:   opts.MergeFilesCountThreshold,
			NumberOfInvalidEntries:     opts.NumberOfInvalidEntries,
			NumberOfDeletedEntries:     opts.NumberOfDeletedEntries,
			PercentageOfDeletedEntries: opts.PercentageOfDeletedEntries,
			FileCount:                  opts.FileCount,
		},
	}
	buckets := opts.FileCount
	e.buckets.Store(&buckets)
	if e.hooks == nil {
		e.hooks = hooks.NewHookManager(logger)
		e.ownHooks = true
	}
	if e.metrics == nil {
		e.metrics = NewEngineMetrics(false, "engine_")
	}
	if opts.BlockCacheCapacity > 0 {
		e.blockCache = cache.NewLRUCache(opts.BlockCacheCapacity, nil)
		e.blockCache.SetMetrics(e.metrics.CacheHits, e.metrics.CacheMisses)
	}
	e.deletions = newFilesToBeDeleted(e.hooks, e.blockCache, logger)
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			e.abortOpen()
		}
	}()

	meta, found, err := metadata.OpenManager(metadata.ManagerOptions{
		Dir:    opts.Dir,
		Logger: logger,
		Tracer: e.tracer,
		Hooks:  e.hooks,
	})
	if err != nil {
		return nil, err
	}
	e.meta = meta
	e.executor, err = merge.NewExecutor(merge.ExecutorOptions{
		Dir:               opts.Dir,
		Compressor:        compressor,
		BlockSize:         opts.ValueBlockSize,
		BloomFilterFPRate: opts.BloomFilterFPRate,
		BlockCache:        e.blockCache,
		Logger:            logger,
		Tracer:            e.tracer,
		Hooks:             e.hooks,
		MinFreeDiskBytes:  opts.MinFreeDiskBytes,
		NextFileID:        meta.AllocateFileID,
		Index:             e.index,
	})
	if err != nil {
		return nil, err
	}

	if err := e.recover(found); err != nil {
		return nil, err
	}
	return e, nil
}

// recover brings the directory in line with the persisted table and loads
// every referenced file.
func (e *Engine) recover(found bool) error {
	start := time.Now()
	table := e.meta.Current()

	discarded, err := e.removeOrphans(table)
	if err != nil {
		return err
	}
	for _, f := range table.Files() {
		for _, path := range []string{f.KeyPath, f.ValuePath} {
			if _, err := sys.Stat(path); err != nil {
				return &core.IntegrityError{FileID: f.ID, Reason: "referenced file is missing", Err: err}
			}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, f := range table.Files() {
		g.Go(func() error {
			r, err := sstable.Open(sstable.ReaderOptions{
				ID:         f.ID,
				KeyPath:    f.KeyPath,
				ValuePath:  f.ValuePath,
				BlockCache: e.blockCache,
				Logger:     e.logger,
			})
			if err != nil {
				if errors.Is(err, sstable.ErrCorrupted) || core.IsIntegrityError(err) {
					return &core.IntegrityError{FileID: f.ID, Reason: "unreadable checkpoint file", Err: err}
				}
				return fmt.Errorf("failed to open checkpoint file %d: %w", f.ID, err)
			}
			f.AttachReader(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	lastVersion := e.meta.LastVersion()
	for _, f := range table.Files() {
		f.SetInvalid(0)
		lastVersion = max(lastVersion, f.MaxVersion)
	}
	for _, f := range table.Files() {
		e.index.ApplyFile(f)
	}
	e.seq.Store(lastVersion)
	e.lsn.Store(table.CheckpointLSN)

	e.metrics.RecoveryDurationSeconds.Set(time.Since(start).Seconds())
	e.metrics.RecoveredFilesTotal.Add(int64(table.Len()))
	e.hooks.Trigger(context.Background(), hooks.NewPostRecoveryEvent(hooks.RecoveryPayload{
		TableVersion:   table.Version,
		FileCount:      table.Len(),
		DiscardedFiles: discarded,
	}))
	e.logger.Info("Store opened",
		"dir", e.opts.Dir,
		"existing", found,
		"table_version", table.Version,
		"files", table.Len(),
		"keys", e.index.Len(),
		"sequence", lastVersion,
		"discarded", len(discarded),
		"duration", time.Since(start))
	return nil
}

// removeOrphans deletes temporary files and file pairs the table does not
// reference: output of a checkpoint or merge interrupted before its swap,
// or inputs whose deletion did not complete.
func (e *Engine) removeOrphans(table *metadata.Table) ([]string, error) {
	entries, err := sys.ReadDir(e.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	var discarded []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		orphan := strings.HasSuffix(name, core.TempFileSuffix)
		if id, _, ok := core.ParseCheckpointFileName(name); ok && !table.Contains(id) {
			orphan = true
		}
		if !orphan {
			continue
		}
		if err := sys.Remove(filepath.Join(e.opts.Dir, name)); err != nil && !os.IsNotExist(err) {
			return discarded, fmt.Errorf("failed to remove orphaned file %s: %w", name, err)
		}
		discarded = append(discarded, name)
	}
	if len(discarded) > 0 {
		e.logger.Info("Removed orphaned files", "files", discarded)
	}
	return discarded, nil
}

// abortOpen releases whatever a failed Open acquired.
func (e *Engine) abortOpen() {
	e.closed.Store(true)
	e.bgCancel()
	if e.meta != nil {
		for _, f := range e.meta.Current().Files() {
			if r := f.DetachReader(); r != nil {
				_ = r.Close()
			}
		}
		e.meta.MarkClosed()
	}
	if e.ownHooks {
		e.hooks.Stop()
	}
	if e.unlock != nil {
		_ = e.unlock()
	}
}
