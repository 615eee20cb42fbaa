package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/tstore/cache"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/iterator"
	"github.com/INLOpen/tstore/metadata"
	"github.com/INLOpen/tstore/sstable"
	"github.com/INLOpen/tstore/sys"
	"github.com/RoaringBitmap/roaring"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Validity answers whether a (key, version) stored in a file is still the
// newest version of the key. The engine's consolidated index implements it.
type Validity interface {
	IsLatest(key []byte, version uint64, fileID uint32) bool
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Dir               string
	Compressor        core.Compressor
	BlockSize         int
	BloomFilterFPRate float64
	BlockCache        cache.Interface
	Logger            *slog.Logger
	Tracer            trace.Tracer
	Hooks             hooks.HookManager
	// MinFreeDiskBytes is kept free on top of the merge's worst case output.
	MinFreeDiskBytes int64
	NextFileID       func() uint32
	Index            Validity
}

// RelocatedEntry is a record that moved from an input file into the output.
type RelocatedEntry struct {
	Key     []byte
	Version uint64
	From    uint32
}

// Result describes a finished merge. Output is nil when every entry was
// reclaimed and no file was written.
type Result struct {
	Inputs            []*metadata.FileMetadata
	Output            *metadata.FileMetadata
	Relocated         []RelocatedEntry
	Dropped           []RelocatedEntry
	DroppedTombstones int
	DroppedSuperseded int
	Duplicates        int
	BytesReclaimed    int64
	Duration          time.Duration
}

// InputIDs returns the ids of the merged files as a bitmap.
func (r *Result) InputIDs() *roaring.Bitmap {
	bm := roaring.New()
	for _, f := range r.Inputs {
		bm.Add(f.ID)
	}
	return bm
}

// Executor rewrites a group of checkpoint files into one.
type Executor struct {
	opts   ExecutorOptions
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager
}

// NewExecutor validates opts and fills in defaults.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Compressor == nil {
		return nil, fmt.Errorf("merge executor: compressor is nil")
	}
	if opts.NextFileID == nil {
		return nil, fmt.Errorf("merge executor: file id allocator is nil")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("merge executor: validity index is nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("merge")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NoopHookManager{}
	}
	return &Executor{
		opts:   opts,
		logger: opts.Logger.With("component", "MergeExecutor"),
		tracer: opts.Tracer,
		hooks:  opts.Hooks,
	}, nil
}

func recoverable(op string, err error) error {
	if core.IsIntegrityError(err) {
		return &core.MergeError{Op: op, Err: err}
	}
	return &core.MergeError{Op: op, Recoverable: true, Err: err}
}

// Execute merges the planned files. table is the table the plan was computed
// against; files outside the plan decide whether tombstones may be dropped.
// Execute never installs anything: the caller swaps the result in.
func (e *Executor) Execute(ctx context.Context, plan Plan, table *metadata.Table) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "Merge.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("merge.input_count", len(plan.Files)),
		attribute.Int64("merge.input_bytes", plan.Size()),
		attribute.String("merge.target_bucket", plan.TargetBucket.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "merge_failed")
		}
	}()

	if plan.Empty() {
		return nil, fmt.Errorf("merge executor: empty plan")
	}
	start := time.Now()
	if err := e.checkDiskSpace(plan.Size()); err != nil {
		return nil, recoverable("precheck", err)
	}

	payload := hooks.MergePayload{InputIDs: plan.IDs()}
	if err := e.hooks.Trigger(ctx, hooks.NewPreMergeWriteEvent(payload)); err != nil {
		return nil, recoverable("pre_merge_write", fmt.Errorf("%w: %w", core.ErrMergeAborted, err))
	}

	inputs, release, err := e.openInputs(plan.Files)
	if err != nil {
		return nil, recoverable("open_inputs", err)
	}
	defer release()

	iters := make([]core.IteratorInterface, len(inputs))
	for i, r := range inputs {
		iters[i] = r.Iterator()
	}
	mi, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{Iters: iters})
	if err != nil {
		return nil, recoverable("open_inputs", err)
	}
	defer mi.Close()

	inputIDs := roaring.New()
	logicalTS := plan.Files[0].LogicalTimestamp
	for _, f := range plan.Files {
		inputIDs.Add(f.ID)
		if f.LogicalTimestamp < logicalTS {
			logicalTS = f.LogicalTimestamp
		}
	}
	minOutside, hasOutside := table.MinVersionOutside(inputIDs)

	res = &Result{Inputs: plan.Files}
	m := &mergeRun{
		e:          e,
		res:        res,
		plan:       plan,
		minOutside: minOutside,
		hasOutside: hasOutside,
	}
	defer func() {
		if err != nil && m.w != nil {
			m.w.Abort()
		}
	}()

	for mi.Next() {
		if err := ctx.Err(); err != nil {
			return nil, recoverable("write", fmt.Errorf("%w: %w", core.ErrMergeAborted, err))
		}
		item, err := mi.At()
		if err != nil {
			return nil, recoverable("read", err)
		}
		if err := m.add(item, plan.Files[mi.Source()].ID); err != nil {
			return nil, recoverable("write", err)
		}
	}
	if err := mi.Error(); err != nil {
		return nil, recoverable("read", err)
	}
	if err := m.flush(); err != nil {
		return nil, recoverable("write", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, recoverable("write", fmt.Errorf("%w: %w", core.ErrMergeAborted, err))
	}

	if m.w != nil {
		out, err := e.finishOutput(m.w, logicalTS)
		m.w = nil
		if err != nil {
			return nil, recoverable("finish", err)
		}
		res.Output = out
	}

	res.BytesReclaimed = plan.Size()
	if res.Output != nil {
		res.BytesReclaimed -= res.Output.Size
		payload.OutputID = res.Output.ID
		payload.OutputSize = res.Output.Size
	}
	res.Duration = time.Since(start)
	payload.DroppedTombstones = res.DroppedTombstones
	payload.DroppedSuperseded = res.DroppedSuperseded
	e.hooks.Trigger(ctx, hooks.NewPostMergeWriteEvent(payload))

	span.SetAttributes(
		attribute.Int("merge.relocated", len(res.Relocated)),
		attribute.Int("merge.dropped_tombstones", res.DroppedTombstones),
		attribute.Int("merge.dropped_superseded", res.DroppedSuperseded),
		attribute.Int64("merge.bytes_reclaimed", res.BytesReclaimed),
	)
	e.logger.Info("Merge finished",
		"inputs", plan.IDs(),
		"output", payload.OutputID,
		"relocated", len(res.Relocated),
		"dropped_tombstones", res.DroppedTombstones,
		"dropped_superseded", res.DroppedSuperseded,
		"bytes_reclaimed", res.BytesReclaimed,
		"duration", res.Duration)
	return res, nil
}

// checkDiskSpace refuses a merge whose output could not fit, sizing the
// output as the sum of its inputs.
func (e *Executor) checkDiskSpace(need int64) error {
	usage, err := disk.Usage(e.opts.Dir)
	if err != nil {
		e.logger.Warn("Could not read free disk space, skipping precheck", "dir", e.opts.Dir, "error", err)
		return nil
	}
	want := need + e.opts.MinFreeDiskBytes
	if want < 0 || usage.Free < uint64(want) {
		return fmt.Errorf("insufficient disk space in %s: need %d bytes, %d free", e.opts.Dir, want, usage.Free)
	}
	return nil
}

// openInputs references every input and returns its reader. Inputs without
// an attached reader are opened for the duration of the merge.
func (e *Executor) openInputs(files []*metadata.FileMetadata) ([]*sstable.Reader, func(), error) {
	readers := make([]*sstable.Reader, 0, len(files))
	var referenced []*metadata.FileMetadata
	var owned []*sstable.Reader
	release := func() {
		for _, r := range owned {
			r.Close()
		}
		for _, f := range referenced {
			f.Release()
		}
	}
	for _, f := range files {
		if !f.TryRef() {
			release()
			return nil, nil, fmt.Errorf("file %d was released before the merge started", f.ID)
		}
		referenced = append(referenced, f)
		r := f.Reader()
		if r == nil {
			var err error
			r, err = sstable.Open(sstable.ReaderOptions{ID: f.ID, KeyPath: f.KeyPath, ValuePath: f.ValuePath, Logger: e.opts.Logger})
			if err != nil {
				release()
				return nil, nil, fmt.Errorf("failed to open input file %d: %w", f.ID, err)
			}
			owned = append(owned, r)
		}
		readers = append(readers, r)
	}
	return readers, release, nil
}

func (e *Executor) finishOutput(w *sstable.Writer, logicalTS uint64) (*metadata.FileMetadata, error) {
	info, err := w.Finish()
	if err != nil {
		return nil, err
	}
	r, err := sstable.Open(sstable.ReaderOptions{
		ID:         info.ID,
		KeyPath:    info.KeyPath,
		ValuePath:  info.ValuePath,
		BlockCache: e.opts.BlockCache,
		Logger:     e.opts.Logger,
	})
	if err != nil {
		removeOutput(info)
		return nil, fmt.Errorf("failed to open merged file %d: %w", info.ID, err)
	}
	out := metadata.NewFileMetadata(info, logicalTS)
	out.AttachReader(r)
	return out, nil
}

func removeOutput(info *sstable.Info) {
	_ = sys.Remove(info.KeyPath)
	_ = sys.Remove(info.ValuePath)
}

// mergeRun holds the per-execution state of the write loop.
type mergeRun struct {
	e          *Executor
	res        *Result
	plan       Plan
	w          *sstable.Writer
	minOutside uint64
	hasOutside bool

	pending       *core.VersionedItem
	pendingFrom   uint32
	pendingLatest bool
}

// add consumes the merged stream. Records of one (key, version) arrive back
// to back; they are collapsed into one before the survival decision.
func (m *mergeRun) add(item *core.VersionedItem, from uint32) error {
	if m.pending != nil && m.pending.SameVersion(item) {
		if !m.pending.Equivalent(item) {
			return &core.IntegrityError{FileID: from, Key: m.pending.Key, Reason: fmt.Sprintf("conflicting records for version %d", item.Version)}
		}
		m.res.Duplicates++
		if !m.pendingLatest && m.e.opts.Index.IsLatest(item.Key, item.Version, from) {
			m.pendingLatest = true
			m.pendingFrom = from
		}
		return nil
	}
	if err := m.flush(); err != nil {
		return err
	}
	m.pending = item.Clone()
	m.pendingFrom = from
	m.pendingLatest = m.e.opts.Index.IsLatest(item.Key, item.Version, from)
	return nil
}

func (m *mergeRun) flush() error {
	item := m.pending
	if item == nil {
		return nil
	}
	m.pending = nil
	entry := RelocatedEntry{Key: item.Key, Version: item.Version, From: m.pendingFrom}

	if !m.pendingLatest {
		m.res.DroppedSuperseded++
		return nil
	}
	if item.IsTombstone() && m.tombstoneDroppable(item.Version) {
		m.res.DroppedTombstones++
		m.res.Dropped = append(m.res.Dropped, entry)
		return nil
	}
	if m.w == nil {
		w, err := sstable.NewWriter(sstable.WriterOptions{
			DataDir:           m.e.opts.Dir,
			ID:                m.e.opts.NextFileID(),
			EstimatedKeys:     m.estimatedKeys(),
			BloomFilterFPRate: m.e.opts.BloomFilterFPRate,
			BlockSize:         m.e.opts.BlockSize,
			Compressor:        m.e.opts.Compressor,
			Logger:            m.e.opts.Logger,
		})
		if err != nil {
			return err
		}
		m.w = w
	}
	if err := m.w.Add(item); err != nil {
		return err
	}
	m.res.Relocated = append(m.res.Relocated, entry)
	return nil
}

// tombstoneDroppable reports whether no file outside the merge can hold a
// version of the key older than the tombstone.
func (m *mergeRun) tombstoneDroppable(version uint64) bool {
	return !m.hasOutside || version < m.minOutside
}

func (m *mergeRun) estimatedKeys() uint64 {
	var n uint64
	for _, f := range m.plan.Files {
		n += f.TotalEntries - min(f.TotalEntries, f.NumberOfInvalidEntries())
	}
	return max(n, 1)
}
