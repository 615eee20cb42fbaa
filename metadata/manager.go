package metadata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/tstore/checkpoint"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Dir    string
	Logger *slog.Logger
	Tracer trace.Tracer
	Hooks  hooks.HookManager
}

// Manager owns the current metadata table. Reads are lock free; Replace is
// serialized and persists the table before it becomes visible.
type Manager struct {
	dir    string
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager

	mu          sync.Mutex
	current     atomic.Pointer[Table]
	closed      atomic.Bool
	nextFileID  atomic.Uint32
	lastVersion atomic.Uint64
}

// OpenManager loads the persisted table from opts.Dir. A missing file yields
// an empty table and found=false.
func OpenManager(opts ManagerOptions) (m *Manager, found bool, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("metadata")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NoopHookManager{}
	}
	m = &Manager{
		dir:    opts.Dir,
		logger: opts.Logger.With("component", "MetadataManager"),
		tracer: opts.Tracer,
		hooks:  opts.Hooks,
	}

	manifest, found, err := checkpoint.Read(opts.Dir)
	if err != nil {
		return nil, found, &core.IntegrityError{Reason: "unreadable metadata table", Err: err}
	}
	if !found {
		m.current.Store(NewTable(0, 0))
		m.nextFileID.Store(1)
		return m, false, nil
	}

	table := TableFromManifest(opts.Dir, manifest)
	next := manifest.NextFileID
	for _, f := range table.Files() {
		if f.ID >= next {
			next = f.ID + 1
		}
	}
	m.current.Store(table)
	m.nextFileID.Store(next)
	m.lastVersion.Store(manifest.LastVersion)
	m.logger.Info("Loaded metadata table", "version", table.Version, "files", table.Len(), "last_version", manifest.LastVersion)
	return m, true, nil
}

// Current returns the installed table. It is never nil.
func (m *Manager) Current() *Table { return m.current.Load() }

// Acquire returns the installed table or ErrClosed.
func (m *Manager) Acquire() (*Table, error) {
	if m.closed.Load() {
		return nil, core.ErrClosed
	}
	return m.current.Load(), nil
}

// AllocateFileID reserves a fresh, never reused file id.
func (m *Manager) AllocateFileID() uint32 { return m.nextFileID.Add(1) - 1 }

// NextFileID returns the id the next allocation will return.
func (m *Manager) NextFileID() uint32 { return m.nextFileID.Load() }

// NoteVersion raises the persisted commit high-water mark to at least v.
func (m *Manager) NoteVersion(v uint64) {
	for {
		cur := m.lastVersion.Load()
		if v <= cur || m.lastVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

// LastVersion returns the highest commit version noted so far.
func (m *Manager) LastVersion() uint64 { return m.lastVersion.Load() }

// Replace persists next and then installs it. Files are never deleted here.
func (m *Manager) Replace(ctx context.Context, next *Table) (err error) {
	ctx, span := m.tracer.Start(ctx, "Metadata.Replace")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return core.ErrClosed
	}
	old := m.current.Load()
	if next.Version <= old.Version {
		return fmt.Errorf("%w: version %d, current %d", core.ErrStaleTable, next.Version, old.Version)
	}
	added, removed := old.Diff(next)
	span.SetAttributes(
		attribute.Int64("metadata.version", int64(next.Version)),
		attribute.Int("metadata.files", next.Len()),
	)
	payload := hooks.TableSwapPayload{OldVersion: old.Version, NewVersion: next.Version, Added: added, Removed: removed}
	if err := m.hooks.Trigger(ctx, hooks.NewPreTableSwapEvent(payload)); err != nil {
		return fmt.Errorf("table swap vetoed: %w", err)
	}

	if err := checkpoint.Write(m.dir, next.Manifest(m.nextFileID.Load(), m.lastVersion.Load())); err != nil {
		return fmt.Errorf("failed to persist metadata table version %d: %w", next.Version, err)
	}
	m.current.Store(next)
	m.logger.Debug("Installed metadata table", "version", next.Version, "files", next.Len(), "added", added, "removed", removed)

	m.hooks.Trigger(ctx, hooks.NewPostTableSwapEvent(payload))
	return nil
}

// Persist rewrites the current table without changing it, refreshing the
// invalid counters and the commit high-water mark on disk.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return core.ErrClosed
	}
	return checkpoint.Write(m.dir, m.current.Load().Manifest(m.nextFileID.Load(), m.lastVersion.Load()))
}

// MarkClosed rejects every later Replace.
func (m *Manager) MarkClosed() {
	m.mu.Lock()
	m.closed.Store(true)
	m.mu.Unlock()
}

// IsClosed reports whether MarkClosed was called.
func (m *Manager) IsClosed() bool { return m.closed.Load() }
