package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/iterator"
	"github.com/INLOpen/tstore/memtable"
	"github.com/INLOpen/tstore/merge"
	"github.com/INLOpen/tstore/metadata"
	"github.com/INLOpen/tstore/sstable"
	"github.com/INLOpen/tstore/sys"
	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// backgroundMerge is the single outstanding background consolidation.
type backgroundMerge struct {
	id     uint64
	plans  []merge.Plan
	inputs *roaring.Bitmap
	done   chan struct{}
	// results and err are written before done is closed. On error results
	// is empty.
	results []*merge.Result
	err     error
}

// planInputs lists the files of every group, group by group.
func planInputs(plans []merge.Plan) []uint32 {
	var ids []uint32
	for _, p := range plans {
		ids = append(ids, p.IDs()...)
	}
	return ids
}

// Checkpoint prepares and performs a checkpoint at the next LSN.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.PrepareCheckpoint(e.lsn.Load() + 1); err != nil {
		return err
	}
	return e.PerformCheckpoint(ctx)
}

// PrepareCheckpoint freezes the active differential state at lsn. Commits
// after this call land in a fresh differential.
func (e *Engine) PrepareCheckpoint(lsn uint64) error {
	if err := e.checkUsable(); err != nil {
		return err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.prepared {
		return core.ErrCheckpointInProgress
	}
	if e.active.Len() > 0 {
		e.active.Freeze(lsn)
		e.deltas = append(e.deltas, e.active)
		e.active = memtable.New()
	}
	e.prepared = true
	e.preparedLSN = lsn
	if lsn > e.lsn.Load() {
		e.lsn.Store(lsn)
	}
	return nil
}

// PerformCheckpoint completes a prepared checkpoint: it installs a finished
// background merge, drains the frozen differentials into a new file once
// enough of them accumulated, evaluates the merge policy and deletes files
// nothing references any more.
func (e *Engine) PerformCheckpoint(ctx context.Context) (err error) {
	if err := e.checkUsable(); err != nil {
		return err
	}
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	e.stateMu.RLock()
	prepared, lsn := e.prepared, e.preparedLSN
	e.stateMu.RUnlock()
	if !prepared {
		return core.ErrCheckpointNotPrepared
	}

	ctx, span := e.tracer.Start(ctx, "Engine.PerformCheckpoint")
	defer span.End()
	span.SetAttributes(attribute.Int64("checkpoint.lsn", int64(lsn)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	start := time.Now()

	payload := hooks.CheckpointPayload{LSN: lsn}
	if err := e.hooks.Trigger(ctx, hooks.NewPreCheckpointEvent(payload)); err != nil {
		return fmt.Errorf("checkpoint vetoed: %w", err)
	}

	if err := e.installFinishedMerge(ctx); err != nil {
		return err
	}

	newFile, err := e.consolidate(ctx, lsn)
	e.stateMu.Lock()
	e.prepared = false
	e.stateMu.Unlock()
	if err != nil {
		if core.IsIntegrityError(err) {
			return e.fail(err)
		}
		return fmt.Errorf("checkpoint at lsn %d: %w", lsn, err)
	}

	if err := e.maybeMerge(ctx); err != nil {
		return err
	}
	if n, err := e.deletions.Sweep(ctx); err != nil {
		e.logger.Warn("Failed to delete merged files", "error", err)
	} else if n > 0 {
		e.metrics.FilesDeletedTotal.Add(int64(n))
	}
	e.metrics.FilesDeleteDeferred.Set(int64(e.deletions.Count()))

	table := e.meta.Current()
	payload.TableVersion = table.Version
	payload.FileCount = table.Len()
	if newFile != nil {
		payload.NewFileID = newFile.ID
	}
	e.hooks.Trigger(ctx, hooks.NewPostCheckpointEvent(payload))

	e.metrics.CheckpointTotal.Add(1)
	e.metrics.observeCheckpoint(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("checkpoint.files", table.Len()),
		attribute.Int64("checkpoint.table_version", int64(table.Version)),
	)
	e.logger.Debug("Checkpoint performed", "lsn", lsn, "files", table.Len(), "table_version", table.Version, "duration", time.Since(start))
	return nil
}

// consolidate drains every frozen differential into one new file once at
// least NumberOfDeltasToBeConsolidated of them are pending. It returns nil
// when nothing was written.
func (e *Engine) consolidate(ctx context.Context, lsn uint64) (*metadata.FileMetadata, error) {
	e.stateMu.RLock()
	deltas := append([]*memtable.Memtable(nil), e.deltas...)
	e.stateMu.RUnlock()
	if len(deltas) == 0 || len(deltas) < e.opts.NumberOfDeltasToBeConsolidated {
		return nil, nil
	}

	f, err := e.writeDeltas(deltas, lsn)
	if err != nil {
		return nil, err
	}
	if f != nil {
		cur := e.meta.Current()
		files := append(append([]*metadata.FileMetadata(nil), cur.Files()...), f)
		if err := e.meta.Replace(ctx, metadata.NewTable(cur.Version+1, lsn, files...)); err != nil {
			e.discardFile(f)
			return nil, fmt.Errorf("failed to install checkpoint file %d: %w", f.ID, err)
		}
		e.index.ApplyFile(f)
		e.hooks.Trigger(ctx, hooks.NewPostFileCreateEvent(hooks.FilePayload{ID: f.ID, KeyPath: f.KeyPath, ValuePath: f.ValuePath, Size: f.Size}))
		e.metrics.CheckpointFilesCreated.Add(1)
		e.metrics.CheckpointEntriesTotal.Add(int64(f.TotalEntries))
	}

	e.stateMu.Lock()
	e.deltas = e.deltas[len(deltas):]
	e.stateMu.Unlock()
	return f, nil
}

// writeDeltas writes the newest version of every key in deltas.
func (e *Engine) writeDeltas(deltas []*memtable.Memtable, lsn uint64) (f *metadata.FileMetadata, err error) {
	iters := make([]core.IteratorInterface, 0, len(deltas))
	var estimated uint64
	for _, d := range deltas {
		iters = append(iters, d.Iterator())
		estimated += uint64(d.Len())
	}
	mi, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{Iters: iters, LatestOnly: true})
	if err != nil {
		return nil, err
	}
	defer mi.Close()

	w, err := sstable.NewWriter(sstable.WriterOptions{
		DataDir:           e.opts.Dir,
		ID:                e.meta.AllocateFileID(),
		EstimatedKeys:     estimated,
		BloomFilterFPRate: e.opts.BloomFilterFPRate,
		BlockSize:         e.opts.ValueBlockSize,
		Compressor:        e.compressor,
		Logger:            e.logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()
	for mi.Next() {
		item, err := mi.At()
		if err != nil {
			return nil, err
		}
		if err := w.Add(item); err != nil {
			return nil, err
		}
	}
	if err := mi.Error(); err != nil {
		return nil, err
	}
	if w.Entries() == 0 {
		w.Abort()
		return nil, nil
	}

	info, err := w.Finish()
	if err != nil {
		return nil, err
	}
	r, err := sstable.Open(sstable.ReaderOptions{
		ID:         info.ID,
		KeyPath:    info.KeyPath,
		ValuePath:  info.ValuePath,
		BlockCache: e.blockCache,
		Logger:     e.logger,
	})
	if err != nil {
		_ = sys.Remove(info.KeyPath)
		_ = sys.Remove(info.ValuePath)
		return nil, fmt.Errorf("failed to open checkpoint file %d: %w", info.ID, err)
	}
	f = metadata.NewFileMetadata(info, lsn)
	f.AttachReader(r)
	return f, nil
}

// maybeMerge evaluates the merge policy against the current table and runs
// the planned groups inline or on the background goroutine. Each group is
// its own merge with its own output.
func (e *Engine) maybeMerge(ctx context.Context) error {
	background := e.opts.EnableBackgroundConsolidation
	excluded := e.snapshots.Pinned()
	e.bgMu.Lock()
	bg := e.bg
	e.bgMu.Unlock()
	if bg != nil {
		if background {
			return nil
		}
		excluded.Or(bg.inputs)
	}

	cur := e.meta.Current()
	plans := e.evaluator.Evaluate(cur, merge.EvaluateInput{
		Excluded:              excluded,
		LowestNeededTimestamp: e.snapshots.LowestSeq(),
	})
	if len(plans) == 0 {
		return nil
	}
	for _, plan := range plans {
		e.logger.Debug("Merge planned", "files", plan.IDs(), "target_bucket", plan.TargetBucket.String(), "background", background)
	}
	if background {
		e.startBackgroundMerge(plans, cur)
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Consolidate")
	defer span.End()
	span.SetAttributes(attribute.Int("consolidation.groups", len(plans)))
	e.metrics.MergesInProgress.Add(1)
	defer e.metrics.MergesInProgress.Add(-1)
	for _, plan := range plans {
		if err := e.mergeGroup(ctx, plan); err != nil {
			span.RecordError(err)
			if err := e.absorbMergeError(err); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeGroup merges one group against the current table and installs the
// output.
func (e *Engine) mergeGroup(ctx context.Context, plan merge.Plan) error {
	res, err := e.executor.Execute(ctx, plan, e.meta.Current())
	if err != nil {
		return err
	}
	return e.installMerge(ctx, res)
}

func (e *Engine) startBackgroundMerge(plans []merge.Plan, table *metadata.Table) {
	e.taskSeq++
	bg := &backgroundMerge{
		id:     e.taskSeq,
		plans:  plans,
		inputs: roaring.BitmapOf(planInputs(plans)...),
		done:   make(chan struct{}),
	}
	e.mergeTable.Store(table)
	e.bgMu.Lock()
	e.bg = bg
	e.bgMu.Unlock()

	e.wg.Add(1)
	go e.runBackgroundMerge(bg, table)
}

func (e *Engine) runBackgroundMerge(bg *backgroundMerge, table *metadata.Table) {
	defer e.wg.Done()
	defer close(bg.done)

	ctx, span := e.tracer.Start(e.bgCtx, "Engine.Consolidate")
	defer span.End()
	span.SetAttributes(attribute.Int64("consolidation.task_id", int64(bg.id)), attribute.Bool("consolidation.background", true))
	e.metrics.MergesInProgress.Add(1)
	defer e.metrics.MergesInProgress.Add(-1)

	inputs := planInputs(bg.plans)
	payload := hooks.ConsolidationPayload{TaskID: bg.id, InputIDs: inputs, Background: true}
	if err := e.hooks.Trigger(ctx, hooks.NewPreConsolidationEvent(payload)); err != nil {
		bg.err = &core.MergeError{Op: "pre_consolidation", Recoverable: true, Err: fmt.Errorf("%w: %w", core.ErrMergeAborted, err)}
	}
	var add []*metadata.FileMetadata
	for _, plan := range bg.plans {
		if bg.err != nil {
			break
		}
		var res *merge.Result
		res, bg.err = e.executor.Execute(ctx, plan, table)
		if bg.err != nil {
			break
		}
		bg.results = append(bg.results, res)
		if res.Output != nil {
			add = append(add, res.Output)
		}
	}

	if bg.err != nil {
		span.RecordError(bg.err)
		e.mergeTable.Store(nil)
		// Groups already written are abandoned with the rest of the task.
		for _, res := range bg.results {
			e.discardOutput(res)
		}
		bg.results = nil
		if core.IsRecoverable(bg.err) {
			e.metrics.MergeAbortedTotal.Add(1)
			e.logger.Info("Background merge abandoned", "task_id", bg.id, "inputs", inputs, "error", bg.err)
			return
		}
		e.fail(bg.err)
		return
	}
	e.mergeTable.Store(table.Apply(inputs, add...))
}

// installFinishedMerge swaps in the result of a completed background merge.
// A merge still running is left alone.
func (e *Engine) installFinishedMerge(ctx context.Context) error {
	e.bgMu.Lock()
	bg := e.bg
	if bg == nil {
		e.bgMu.Unlock()
		return nil
	}
	select {
	case <-bg.done:
		e.bg = nil
	default:
		e.bgMu.Unlock()
		return nil
	}
	e.bgMu.Unlock()
	defer e.mergeTable.Store(nil)

	if bg.err != nil {
		return nil
	}
	for i, res := range bg.results {
		if err := e.installMerge(ctx, res); err != nil {
			for _, rest := range bg.results[i+1:] {
				e.discardOutput(rest)
			}
			return e.absorbMergeError(err)
		}
	}
	return nil
}

// installMerge replaces the merged inputs with the output in the current
// table. The inputs are queued for deletion.
func (e *Engine) installMerge(ctx context.Context, res *merge.Result) error {
	cur := e.meta.Current()
	for _, f := range res.Inputs {
		if !cur.Contains(f.ID) {
			e.discardOutput(res)
			return &core.IntegrityError{FileID: f.ID, Reason: "merge input left the table before install"}
		}
	}
	var add []*metadata.FileMetadata
	if res.Output != nil {
		add = append(add, res.Output)
	}
	ids := res.InputIDs().ToArray()
	if err := e.meta.Replace(ctx, cur.Apply(ids, add...)); err != nil {
		e.discardOutput(res)
		return &core.MergeError{Op: "install", Recoverable: !errors.Is(err, core.ErrClosed), Err: err}
	}
	e.index.ApplyMergeResult(res)
	e.deletions.Add(res.Inputs...)

	e.metrics.MergeTotal.Add(1)
	e.metrics.MergeFilesMergedTotal.Add(int64(len(res.Inputs)))
	e.metrics.MergeBytesReclaimed.Add(res.BytesReclaimed)
	e.metrics.MergeTombstonesDropped.Add(int64(res.DroppedTombstones))
	e.metrics.MergeSupersededDropped.Add(int64(res.DroppedSuperseded))
	e.metrics.observeMerge(res.Duration.Seconds())
	return nil
}

// absorbMergeError logs and swallows recoverable merge failures. Anything
// else fails the engine.
func (e *Engine) absorbMergeError(err error) error {
	if core.IsRecoverable(err) {
		e.metrics.MergeAbortedTotal.Add(1)
		e.logger.Warn("Merge failed, will retry on a later checkpoint", "error", err)
		return nil
	}
	return e.fail(err)
}

// discardOutput removes the output of a merge that is not installed.
func (e *Engine) discardOutput(res *merge.Result) {
	if res == nil || res.Output == nil {
		return
	}
	e.discardFile(res.Output)
	res.Output = nil
}

func (e *Engine) discardFile(f *metadata.FileMetadata) {
	if r := f.DetachReader(); r != nil {
		_ = r.Close()
	}
	if e.blockCache != nil {
		e.blockCache.EvictFile(f.ID)
	}
	_ = sys.Remove(f.KeyPath)
	_ = sys.Remove(f.ValuePath)
}
