package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_PreparePerform(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), []byte("v1"))
	require.NoError(t, e.PrepareCheckpoint(1))
	assert.ErrorIs(t, e.PrepareCheckpoint(2), core.ErrCheckpointInProgress)

	// Lands in the fresh differential, not in the checkpoint.
	addKey(t, e, key(2), []byte("v2"))
	require.NoError(t, e.PerformCheckpoint(context.Background()))
	assert.ErrorIs(t, e.PerformCheckpoint(context.Background()), core.ErrCheckpointNotPrepared)

	table := e.CurrentTable()
	require.Equal(t, 1, table.Len())
	assert.Equal(t, uint64(1), table.CheckpointLSN)
	assert.Equal(t, uint64(1), table.Files()[0].TotalEntries)
	requireValue(t, e, key(1), []byte("v1"))
	requireValue(t, e, key(2), []byte("v2"))

	// Uncheckpointed commits do not survive a close.
	e = reopen(t, e, opts)
	requireValue(t, e, key(1), []byte("v1"))
	requireMissing(t, e, key(2))

	// Versions keep increasing after recovery.
	addKey(t, e, key(3), []byte("v3"))
	checkpoint(t, e)
	f := e.CurrentTable().Files()[1]
	assert.Greater(t, f.MinVersion, table.Files()[0].MaxVersion)
}

func TestCheckpoint_EmptyCheckpointWritesNothing(t *testing.T) {
	e := openTestEngine(t, getBaseTestOptions(t))
	checkpoint(t, e)
	checkpoint(t, e)
	requireFileCount(t, e, 0)
	entries, err := os.ReadDir(e.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		_, _, isCheckpointFile := core.ParseCheckpointFileName(entry.Name())
		assert.False(t, isCheckpointFile, "unexpected file %s", entry.Name())
	}
}

func TestCheckpoint_ConsolidatesAfterEnoughDeltas(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.NumberOfDeltasToBeConsolidated = 3
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), []byte("a"))
	checkpoint(t, e)
	addKey(t, e, key(2), []byte("b"))
	checkpoint(t, e)
	requireFileCount(t, e, 0)
	assert.Equal(t, 2, e.Stats().PendingDeltas)
	requireValue(t, e, key(1), []byte("a"))

	updateKey(t, e, key(1), []byte("c"))
	checkpoint(t, e)
	requireFileCount(t, e, 1)
	stats := e.Stats()
	assert.Equal(t, 0, stats.PendingDeltas)
	assert.Equal(t, 2, stats.IndexedKeys)
	// Only the newest version of key 1 is written.
	assert.Equal(t, uint64(2), e.CurrentTable().Files()[0].TotalEntries)
	requireValue(t, e, key(1), []byte("c"))
	requireValue(t, e, key(2), []byte("b"))
}

func TestCheckpoint_VetoedByHook(t *testing.T) {
	opts := getBaseTestOptions(t)
	hm := hooks.NewHookManager(opts.Logger)
	opts.Hooks = hm
	var veto atomic.Bool
	veto.Store(true)
	hm.Register(hooks.EventPreCheckpoint, hooks.ListenerFunc(func(context.Context, hooks.HookEvent) error {
		if veto.Load() {
			return errors.New("not now")
		}
		return nil
	}))
	var created atomic.Int32
	hm.Register(hooks.EventPostFileCreate, hooks.ListenerFunc(func(context.Context, hooks.HookEvent) error {
		created.Add(1)
		return nil
	}))
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), []byte("v"))
	require.NoError(t, e.PrepareCheckpoint(1))
	require.Error(t, e.PerformCheckpoint(context.Background()))
	requireFileCount(t, e, 0)
	assert.ErrorIs(t, e.PrepareCheckpoint(1), core.ErrCheckpointInProgress, "vetoed checkpoint stays prepared")

	veto.Store(false)
	require.NoError(t, e.PerformCheckpoint(context.Background()))
	requireFileCount(t, e, 1)
	assert.Equal(t, int32(1), created.Load())
}

func TestCheckpoint_FileDeletionDeferredByHook(t *testing.T) {
	opts := getBaseTestOptions(t)
	hm := hooks.NewHookManager(opts.Logger)
	opts.Hooks = hm
	var hold atomic.Bool
	hold.Store(true)
	hm.Register(hooks.EventPreFileDelete, hooks.ListenerFunc(func(context.Context, hooks.HookEvent) error {
		if hold.Load() {
			return errors.New("backup in progress")
		}
		return nil
	}))
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), []byte("a"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("b"))
	checkpoint(t, e)
	paths := tableFilePaths(e)
	updateKey(t, e, key(1), []byte("c"))
	checkpoint(t, e)

	requireFileCount(t, e, 1)
	assert.Equal(t, 2, e.FilesToBeDeletedCount())
	for _, p := range paths {
		assert.FileExists(t, p)
	}

	hold.Store(false)
	checkpoint(t, e)
	assert.Equal(t, 0, e.FilesToBeDeletedCount())
	requireDeleted(t, paths, nil)
	requireValue(t, e, key(1), []byte("c"))
}

func TestCheckpoint_SnapshotReadAcrossMerge(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergeFilesCountThreshold = 1
	e := openTestEngine(t, opts)
	value, updated := buffer(0x64, 32), buffer(0xe3, 32)

	addKey(t, e, key(1), value)
	checkpoint(t, e)
	e = reopen(t, e, opts)

	snap, err := e.BeginTransaction(Snapshot)
	require.NoError(t, err)
	got, err := snap.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, value, got)

	updateKey(t, e, key(1), updated)
	checkpoint(t, e)

	// The pinned file is invalid but excluded from merging.
	assert.Equal(t, 1, e.SnapshotCount())
	requireFileCount(t, e, 2)
	got, err = snap.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, value, got)
	requireValue(t, e, key(1), updated)

	snap.Abort()
	assert.Equal(t, 0, e.SnapshotCount())
	checkpoint(t, e)
	requireFileCount(t, e, 1)
	assert.Equal(t, 0, e.FilesToBeDeletedCount())
	requireValue(t, e, key(1), updated)
}

func TestCheckpoint_SnapshotReadsPinnedFilesWhileOthersMerge(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergeFilesCountThreshold = 1
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), []byte("a"))
	addKey(t, e, key(2), []byte("x"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("b"))
	checkpoint(t, e)
	require.Equal(t, int64(1), e.Metrics().MergeTotal.Value())

	snap, err := e.BeginTransaction(Snapshot)
	require.NoError(t, err)
	defer snap.Abort()

	updateKey(t, e, key(1), []byte("c"))
	updateKey(t, e, key(2), []byte("y"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("d"))
	checkpoint(t, e)
	// Only the unpinned file carrying an invalid entry was merged.
	require.Equal(t, int64(2), e.Metrics().MergeTotal.Value())

	got, err := snap.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
	got, err = snap.Get(key(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
	requireValue(t, e, key(1), []byte("d"))
	requireValue(t, e, key(2), []byte("y"))
}

func TestCheckpoint_BackgroundMerge(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.EnableBackgroundConsolidation = true
	opts.MergeFilesCountThreshold = 3
	hm := hooks.NewHookManager(opts.Logger)
	opts.Hooks = hm
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	hm.Register(hooks.EventPreConsolidation, hooks.ListenerFunc(func(ctx context.Context, _ hooks.HookEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	e := openTestEngine(t, opts)

	initial, updated := buffer(0x3e, 16), buffer(0xc8, 16)
	for i := 0; i < 3; i++ {
		addKey(t, e, key(i), initial)
	}
	checkpoint(t, e)
	var paths []string
	for i := 0; i < 3; i++ {
		updateKey(t, e, key(1), updated)
		paths = append(paths, tableFilePaths(e)...)
		checkpoint(t, e)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("background merge did not start")
	}
	require.NotNil(t, e.MergeMetadataTable(), "placeholder is published when the merge starts")
	select {
	case <-e.ConsolidationDone():
		t.Fatal("merge finished while blocked")
	default:
	}

	verify := func() {
		requireValue(t, e, key(0), initial)
		requireValue(t, e, key(1), updated)
		requireValue(t, e, key(2), initial)
	}
	verify()
	close(release)
	verify()

	select {
	case <-e.ConsolidationDone():
	case <-time.After(5 * time.Second):
		t.Fatal("background merge did not finish")
	}
	merged := e.MergeMetadataTable()
	require.NotNil(t, merged)
	assert.Equal(t, 2, merged.Len())
	requireFileCount(t, e, 4)
	verify()

	checkpoint(t, e)
	assert.Nil(t, e.MergeMetadataTable())
	// The merged file holds keys 0 and 2; key 1 lives in the newest file.
	requireFileCount(t, e, 2)
	keep := map[string]bool{}
	for _, p := range tableFilePaths(e) {
		keep[p] = true
	}
	requireDeleted(t, paths, keep)
	verify()
	assert.Equal(t, int64(1), e.Metrics().MergeTotal.Value())
}

func TestCheckpoint_AbandonedBackgroundMerge_ClosesAllHandles(t *testing.T) {
	sys.SetDebugMode(true)
	defer sys.SetDebugMode(false)
	baseline := sys.OpenHandleCount()

	opts := getBaseTestOptions(t)
	opts.EnableBackgroundConsolidation = true
	hm := hooks.NewHookManager(opts.Logger)
	opts.Hooks = hm
	started := make(chan struct{}, 1)
	hm.Register(hooks.EventPreConsolidation, hooks.ListenerFunc(func(ctx context.Context, _ hooks.HookEvent) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
	e, err := Open(opts)
	require.NoError(t, err)

	addKey(t, e, key(1), []byte("a"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("b"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("c"))
	checkpoint(t, e)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("background merge did not start")
	}
	require.NoError(t, e.Close())
	assert.Equal(t, baseline, sys.OpenHandleCount(), "open handles: %v", sys.OpenHandles())
	assert.Equal(t, 0, e.FilesToBeDeletedCount())
	assert.Nil(t, e.MergeMetadataTable())
	assert.Equal(t, int64(1), e.Metrics().MergeAbortedTotal.Value())

	opts.Hooks = nil
	opts.EnableBackgroundConsolidation = false
	e = openTestEngine(t, opts)
	requireFileCount(t, e, 3)
	requireValue(t, e, key(1), []byte("c"))
}

func TestRecovery_RemovesOrphanedFiles(t *testing.T) {
	opts := getBaseTestOptions(t)
	hm := hooks.NewHookManager(opts.Logger)
	opts.Hooks = hm
	var recovered atomic.Pointer[hooks.RecoveryPayload]
	hm.Register(hooks.EventPostRecovery, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		p := ev.Payload().(hooks.RecoveryPayload)
		recovered.Store(&p)
		return nil
	}))
	e := openTestEngine(t, opts)
	addKey(t, e, key(1), []byte("v"))
	checkpoint(t, e)
	require.NoError(t, e.Close())

	// What an interrupted merge leaves behind: an unreferenced output pair
	// and a half-written temp file.
	orphans := []string{
		core.KeyFileName(99),
		core.ValueFileName(99),
		core.FormatTempFilename(core.KeyFileName(100)),
	}
	for _, name := range orphans {
		require.NoError(t, os.WriteFile(filepath.Join(opts.Dir, name), []byte("partial"), 0o644))
	}

	e = openTestEngine(t, opts)
	for _, name := range orphans {
		assert.NoFileExists(t, filepath.Join(opts.Dir, name))
	}
	p := recovered.Load()
	require.NotNil(t, p)
	assert.ElementsMatch(t, orphans, p.DiscardedFiles)
	assert.Equal(t, 1, p.FileCount)
	requireValue(t, e, key(1), []byte("v"))

	// The store keeps working after the cleanup.
	updateKey(t, e, key(1), []byte("w"))
	checkpoint(t, e)
	requireValue(t, e, key(1), []byte("w"))
}

func TestRecovery_CorruptMetadataTable(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)
	addKey(t, e, key(1), []byte("v"))
	checkpoint(t, e)
	require.NoError(t, e.Close())

	path := filepath.Join(opts.Dir, core.MetadataTableFileName)
	good, err := os.ReadFile(path)
	require.NoError(t, err)
	bad := append([]byte(nil), good...)
	bad[len(bad)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, bad, 0o644))

	_, err = Open(opts)
	require.Error(t, err)
	assert.True(t, core.IsIntegrityError(err), "got %v", err)

	// A failed open releases the directory lock.
	require.NoError(t, os.WriteFile(path, good, 0o644))
	e = openTestEngine(t, opts)
	requireValue(t, e, key(1), []byte("v"))
}

func TestRecovery_MissingCheckpointFile(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)
	addKey(t, e, key(1), []byte("v"))
	checkpoint(t, e)
	valuePath := e.CurrentTable().Files()[0].ValuePath
	require.NoError(t, e.Close())
	require.NoError(t, os.Remove(valuePath))

	_, err := Open(opts)
	require.Error(t, err)
	assert.True(t, core.IsIntegrityError(err), "got %v", err)

	// The lock was released, so a second attempt fails the same way.
	_, err = Open(opts)
	require.Error(t, err)
	assert.True(t, core.IsIntegrityError(err), "got %v", err)
}

func TestOpen_DirectoryLocked(t *testing.T) {
	opts := getBaseTestOptions(t)
	openTestEngine(t, opts)
	_, err := Open(opts)
	require.Error(t, err)
}

func TestOpen_InvalidOptions(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.NumberOfDeltasToBeConsolidated = 0
	_, err := Open(opts)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "NumberOfDeltasToBeConsolidated", verr.Field)
}

func TestEngine_RemoveState(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)
	k := key(1)

	addKey(t, e, k, buffer(0xba, 8))
	checkpoint(t, e)
	updateKey(t, e, k, buffer(0xcd, 8))
	checkpoint(t, e)
	updateKey(t, e, k, buffer(0xef, 8))
	checkpoint(t, e)
	requireFileCount(t, e, 1)

	require.NoError(t, e.RemoveState(context.Background()))
	entries, err := os.ReadDir(opts.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	e = openTestEngine(t, opts)
	requireFileCount(t, e, 0)
	requireMissing(t, e, k)
}

func TestEngine_StatsAndMetrics(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.Metrics = NewEngineMetrics(false, "test_")
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), []byte("a"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("b"))
	checkpoint(t, e)
	updateKey(t, e, key(1), []byte("c"))
	checkpoint(t, e)
	requireValue(t, e, key(1), []byte("c"))

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.Checkpoints)
	assert.Equal(t, int64(1), stats.Merges)
	assert.Equal(t, uint64(3), stats.CheckpointLatency.Count)
	assert.Equal(t, uint64(1), stats.MergeLatency.Count)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, uint64(3), stats.Sequence)
	assert.Equal(t, uint64(3), stats.CheckpointLSN)
	assert.Same(t, opts.Metrics, e.Metrics())
	assert.Equal(t, int64(3), opts.Metrics.CommitTotal.Value())
	assert.Equal(t, int64(2), opts.Metrics.MergeFilesMergedTotal.Value())
	assert.Equal(t, int64(2), opts.Metrics.FilesDeletedTotal.Value())
}

func TestEngine_DefaultLoggerAndTracer(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.Logger = nil
	e := openTestEngine(t, opts)
	require.NotNil(t, e.logger)
	require.NotNil(t, e.tracer)
	addKey(t, e, key(1), []byte("v"))
	checkpoint(t, e)
	requireValue(t, e, key(1), []byte("v"))
}

func TestEngine_DefaultLoggerDiscardsOutput(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.Logger = nil
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = out
	t.Cleanup(func() { os.Stdout = stdout })

	e, err := Open(opts)
	require.NoError(t, err)
	addKey(t, e, key(1), []byte("v"))
	// Closing with an uncheckpointed version logs a warning.
	require.NoError(t, e.Close())
	os.Stdout = stdout
	require.NoError(t, out.Close())

	written, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Empty(t, string(written))
}
