package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/INLOpen/tstore/compressors"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/merge"
	"github.com/INLOpen/tstore/metadata"
	"github.com/INLOpen/tstore/sstable"
	"github.com/stretchr/testify/require"
)

// Bucket boundaries small enough for tests to cross with a handful of keys.
const (
	testVerySmallMax = 8 * 1024
	testSmallMax     = 24 * 1024
	testMediumMax    = 256 * 1024

	// A single very small value lands in the very small bucket; three merged
	// land in the small bucket.
	verySmallValueSize = 3 * 1024
	// A single small value lands in the small bucket; three merged land in
	// the medium bucket.
	smallValueSize = 12 * 1024
)

// getBaseTestOptions returns options for a store in a fresh temp directory:
// no compression, foreground merges, every checkpoint drains its differential.
func getBaseTestOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.Compression = core.CompressionNone
	opts.BlockCacheCapacity = 16
	opts.EnableBackgroundConsolidation = false
	opts.NumberOfDeltasToBeConsolidated = 1
	opts.MergePolicy = merge.PolicyInvalidEntries
	opts.MergeFilesCountThreshold = 2
	opts.NumberOfInvalidEntries = 1
	opts.NumberOfDeletedEntries = 1
	opts.FileCount = merge.FileCountConfiguration{
		Threshold:    3,
		VerySmallMax: testVerySmallMax,
		SmallMax:     testSmallMax,
		MediumMax:    testMediumMax,
	}
	opts.CloseTimeout = 5 * time.Second
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// reopen closes e and opens the same directory with opts.
func reopen(t *testing.T, e *Engine, opts Options) *Engine {
	t.Helper()
	require.NoError(t, e.Close())
	return openTestEngine(t, opts)
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%04d", i)) }

func buffer(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func addKey(t *testing.T, e *Engine, k, v []byte) {
	t.Helper()
	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Add(k, v))
	require.NoError(t, txn.Commit())
}

func updateKey(t *testing.T, e *Engine, k, v []byte) {
	t.Helper()
	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.ConditionalUpdate(k, v))
	require.NoError(t, txn.Commit())
}

func removeKey(t *testing.T, e *Engine, k []byte) {
	t.Helper()
	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.ConditionalRemove(k))
	require.NoError(t, txn.Commit())
}

func checkpoint(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Checkpoint(context.Background()))
}

func requireValue(t *testing.T, e *Engine, k, want []byte) {
	t.Helper()
	got, err := e.Get(k)
	require.NoError(t, err, "key %s", k)
	require.Equal(t, want, got, "key %s", k)
}

func requireMissing(t *testing.T, e *Engine, k []byte) {
	t.Helper()
	_, err := e.Get(k)
	require.ErrorIs(t, err, core.ErrKeyNotFound, "key %s", k)
}

func requireFileCount(t *testing.T, e *Engine, want int) {
	t.Helper()
	require.Equal(t, want, e.CurrentTable().Len(), "files in table: %v", e.CurrentTable().IDs().ToArray())
}

// tableFilePaths lists both paths of every file in the current table.
func tableFilePaths(e *Engine) []string {
	var paths []string
	for _, f := range e.CurrentTable().Files() {
		paths = append(paths, f.KeyPath, f.ValuePath)
	}
	return paths
}

func requireDeleted(t *testing.T, paths []string, keep map[string]bool) {
	t.Helper()
	for _, p := range paths {
		if keep[p] {
			continue
		}
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "file %s should have been deleted", p)
	}
}

// writeIndexFile writes a standalone checkpoint file with an attached reader.
func writeIndexFile(t *testing.T, dir string, id uint32, items ...*core.VersionedItem) *metadata.FileMetadata {
	t.Helper()
	w, err := sstable.NewWriter(sstable.WriterOptions{
		DataDir:       dir,
		ID:            id,
		EstimatedKeys: uint64(len(items)),
		Compressor:    &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, w.Add(it))
	}
	info, err := w.Finish()
	require.NoError(t, err)
	r, err := sstable.Open(sstable.ReaderOptions{ID: id, KeyPath: info.KeyPath, ValuePath: info.ValuePath})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	f := metadata.NewFileMetadata(info, uint64(id))
	f.AttachReader(r)
	return f
}

func item(k string, version uint64, v string) *core.VersionedItem {
	return &core.VersionedItem{Key: []byte(k), Value: []byte(v), Version: version, Kind: core.RecordKindInserted}
}

func tombstone(k string, version uint64) *core.VersionedItem {
	return &core.VersionedItem{Key: []byte(k), Version: version, Kind: core.RecordKindDeleted}
}
