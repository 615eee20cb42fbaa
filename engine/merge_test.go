package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/merge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_InvalidFiles_PolicyNone_ShouldNotMerge(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergePolicy = merge.PolicyNone
	e := openTestEngine(t, opts)

	k := key(1)
	addKey(t, e, k, buffer(0xc2, 64))
	checkpoint(t, e)
	requireFileCount(t, e, 1)
	for i := 2; i <= 3; i++ {
		updateKey(t, e, k, buffer(0xc2, 64))
		checkpoint(t, e)
		requireFileCount(t, e, i)
	}
	assert.Equal(t, int64(0), e.Metrics().MergeTotal.Value())
}

func TestMerge_ThreeFiles_NoNewFileNeeded(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergeFilesCountThreshold = 3
	e := openTestEngine(t, opts)

	var paths []string
	for i := 0; i < 3; i++ {
		addKey(t, e, key(i), buffer(8, 8))
		checkpoint(t, e)
	}
	paths = append(paths, tableFilePaths(e)...)
	for i := 0; i < 3; i++ {
		updateKey(t, e, key(i), buffer(88, 88))
	}
	checkpoint(t, e)

	// Every record of the three old files is superseded; only the new
	// checkpoint file remains.
	requireFileCount(t, e, 1)
	require.Len(t, paths, 6)
	requireDeleted(t, paths, nil)
	assert.Equal(t, 0, e.FilesToBeDeletedCount())
	for i := 0; i < 3; i++ {
		requireValue(t, e, key(i), buffer(88, 88))
	}

	e = reopen(t, e, opts)
	for i := 0; i < 3; i++ {
		requireValue(t, e, key(i), buffer(88, 88))
	}
}

func TestMerge_ThreeFiles_ToNewFile(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergeFilesCountThreshold = 3
	e := openTestEngine(t, opts)

	for i := 1; i <= 3; i++ {
		addKey(t, e, key(i), buffer(8, 8))
	}
	checkpoint(t, e)
	var paths []string
	for i := 0; i < 3; i++ {
		updateKey(t, e, key(1), buffer(88, 88))
		paths = append(paths, tableFilePaths(e)...)
		checkpoint(t, e)
	}

	// One merged file holding keys 2 and 3 plus the newest checkpoint file.
	requireFileCount(t, e, 2)
	keep := map[string]bool{}
	for _, p := range tableFilePaths(e) {
		keep[p] = true
	}
	requireDeleted(t, paths, keep)

	verify := func(e *Engine) {
		requireValue(t, e, key(1), buffer(88, 88))
		requireValue(t, e, key(2), buffer(8, 8))
		requireValue(t, e, key(3), buffer(8, 8))
	}
	verify(e)
	verify(reopen(t, e, opts))
}

func TestMerge_RepeatingEntries_FollowedByAnotherMerge(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergeFilesCountThreshold = 3
	e := openTestEngine(t, opts)

	for i := 0; i < 6; i++ {
		addKey(t, e, key(i), buffer(8, 8))
	}
	checkpoint(t, e)
	for j := 0; j < 2; j++ {
		for i := 0; i < 6; i++ {
			updateKey(t, e, key(i), buffer(8, 8))
		}
		checkpoint(t, e)
	}
	requireFileCount(t, e, 3)

	for i := 0; i < 3; i++ {
		updateKey(t, e, key(i), buffer(88, 88))
	}
	checkpoint(t, e)
	requireFileCount(t, e, 2)
	for i := 0; i < 3; i++ {
		requireValue(t, e, key(i), buffer(88, 88))
	}
	for i := 3; i < 6; i++ {
		requireValue(t, e, key(i), buffer(8, 8))
	}

	for j := 0; j < 2; j++ {
		updateKey(t, e, key(1), buffer(18, 18))
		updateKey(t, e, key(4), buffer(18, 18))
		checkpoint(t, e)
	}
	requireFileCount(t, e, 2)

	verify := func(e *Engine) {
		requireValue(t, e, key(0), buffer(88, 88))
		requireValue(t, e, key(1), buffer(18, 18))
		requireValue(t, e, key(2), buffer(88, 88))
		requireValue(t, e, key(3), buffer(8, 8))
		requireValue(t, e, key(4), buffer(18, 18))
		requireValue(t, e, key(5), buffer(8, 8))
	}
	verify(e)
	verify(reopen(t, e, opts))
}

func TestMerge_WithDeletedKey(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)
	k1, k2 := key(1), key(2)

	addKey(t, e, k1, buffer(8, 8))
	checkpoint(t, e)
	requireFileCount(t, e, 1)

	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Add(k2, buffer(8, 8)))
	require.NoError(t, txn.ConditionalRemove(k1))
	require.NoError(t, txn.Commit())
	checkpoint(t, e)
	requireFileCount(t, e, 2)
	paths := tableFilePaths(e)

	updateKey(t, e, k2, buffer(88, 88))
	checkpoint(t, e)

	// The tombstone is older than everything outside the merge, so it is
	// reclaimed together with the file holding it.
	requireFileCount(t, e, 1)
	requireDeleted(t, paths, nil)
	f := e.CurrentTable().Files()[0]
	entries := f.Reader().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, k2, entries[0].Key)
	assert.Equal(t, int64(1), e.Metrics().MergeTombstonesDropped.Value())

	requireValue(t, e, k2, buffer(88, 88))
	requireMissing(t, e, k1)
	e = reopen(t, e, opts)
	requireValue(t, e, k2, buffer(88, 88))
	requireMissing(t, e, k1)
}

func TestMerge_WithDeletedKey_ShouldBeInMergedFile(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.NumberOfInvalidEntries = 2
	e := openTestEngine(t, opts)
	value, updated := buffer(0xad, 32), buffer(0x45, 32)

	addKey(t, e, key(1), value)
	checkpoint(t, e)

	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Add(key(2), value))
	require.NoError(t, txn.Add(key(3), value))
	require.NoError(t, txn.ConditionalRemove(key(1)))
	require.NoError(t, txn.Commit())
	checkpoint(t, e)

	txn, err = e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Add(key(4), value))
	require.NoError(t, txn.Add(key(5), value))
	require.NoError(t, txn.Commit())
	checkpoint(t, e)

	txn, err = e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	for i := 2; i <= 5; i++ {
		require.NoError(t, txn.ConditionalUpdate(key(i), updated))
	}
	require.NoError(t, txn.Commit())
	checkpoint(t, e)

	// The file with the original key 1 stays out of the merge, so the
	// tombstone must survive in the merged file to keep key 1 deleted.
	requireFileCount(t, e, 3)
	var tombstones uint64
	for _, f := range e.CurrentTable().Files() {
		tombstones += f.DeletedEntries
	}
	assert.Equal(t, uint64(1), tombstones)

	verify := func(e *Engine) {
		requireMissing(t, e, key(1))
		for i := 2; i <= 5; i++ {
			requireValue(t, e, key(i), updated)
		}
	}
	verify(e)
	verify(reopen(t, e, opts))
}

func TestMerge_WithDuplicateDeletedKeys(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)
	k1, k2 := key(1), key(2)
	value := buffer(0xc2, 16)

	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Add(k1, value))
	require.NoError(t, txn.Add(k2, value))
	require.NoError(t, txn.Commit())
	removeKey(t, e, k1)

	e.stateMu.RLock()
	deleted, ok := e.active.Get(k1)
	e.stateMu.RUnlock()
	require.True(t, ok)
	require.True(t, deleted.IsTombstone())
	checkpoint(t, e)

	// The same deletion reaches a second checkpoint file.
	e.stateMu.RLock()
	require.NoError(t, e.active.Put(&core.VersionedItem{Key: k1, Version: deleted.Version, Kind: core.RecordKindDeleted}))
	e.stateMu.RUnlock()
	updateKey(t, e, k2, value)
	checkpoint(t, e)
	requireFileCount(t, e, 1)

	updateKey(t, e, k2, value)
	checkpoint(t, e)
	requireFileCount(t, e, 2)

	require.NoError(t, e.Err())
	requireMissing(t, e, k1)
	requireValue(t, e, k2, value)
	e = reopen(t, e, opts)
	requireMissing(t, e, k1)
	requireValue(t, e, k2, value)
}

func TestMerge_WithDuplicateDeletedKeys_MergeAgain(t *testing.T) {
	opts := getBaseTestOptions(t)
	e := openTestEngine(t, opts)
	k1, k2, k3, k4 := key(1), key(2), key(3), key(4)
	value := buffer(0xbe, 16)

	// A file that is never merged keeps every later tombstone alive.
	addKey(t, e, k4, value)
	checkpoint(t, e)
	requireFileCount(t, e, 1)

	addKey(t, e, k1, value)
	txn, err := e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Add(k2, value))
	require.NoError(t, txn.ConditionalRemove(k1))
	require.NoError(t, txn.Add(k3, value))
	require.NoError(t, txn.Commit())
	e.stateMu.RLock()
	deleted, ok := e.active.Get(k1)
	e.stateMu.RUnlock()
	require.True(t, ok)
	checkpoint(t, e)
	requireFileCount(t, e, 2)

	e.stateMu.RLock()
	require.NoError(t, e.active.Put(&core.VersionedItem{Key: k1, Version: deleted.Version, Kind: core.RecordKindDeleted}))
	e.stateMu.RUnlock()
	txn, err = e.BeginTransaction(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.ConditionalUpdate(k3, value))
	require.NoError(t, txn.ConditionalUpdate(k2, value))
	require.NoError(t, txn.Commit())
	checkpoint(t, e)
	// The two newest files merge; the tombstone is kept once.
	requireFileCount(t, e, 2)

	updateKey(t, e, k2, value)
	checkpoint(t, e)
	requireFileCount(t, e, 3)
	updateKey(t, e, k3, value)
	checkpoint(t, e)
	requireFileCount(t, e, 4)
	updateKey(t, e, k3, value)
	checkpoint(t, e)
	requireFileCount(t, e, 4)

	require.NoError(t, e.Err())
	e = reopen(t, e, opts)
	requireMissing(t, e, k1)
	requireValue(t, e, k2, value)
	requireValue(t, e, k3, value)
	requireValue(t, e, k4, value)
}

func fileCountOptions(t *testing.T, policy merge.Policy) Options {
	opts := getBaseTestOptions(t)
	opts.MergePolicy = policy
	opts.FileCount.Threshold = 3
	return opts
}

func TestFileCountMerge_MergeWhenThresholdIsReached(t *testing.T) {
	testCases := []struct {
		name     string
		policy   merge.Policy
		expected int
	}{
		{"none", merge.PolicyNone, 3},
		{"file_count", merge.PolicyFileCount, 1},
		{"all", merge.PolicyAll, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := openTestEngine(t, fileCountOptions(t, tc.policy))
			for i := 1; i <= 3; i++ {
				addKey(t, e, key(i), buffer(0xc2, verySmallValueSize))
				checkpoint(t, e)
				if i < 3 {
					requireFileCount(t, e, i)
				}
			}
			requireFileCount(t, e, tc.expected)
			for i := 1; i <= 3; i++ {
				requireValue(t, e, key(i), buffer(0xc2, verySmallValueSize))
			}
		})
	}
}

func TestFileCountMerge_MergeOnlyWhenBucketHitsThreshold(t *testing.T) {
	for _, policy := range []merge.Policy{merge.PolicyFileCount, merge.PolicyAll} {
		t.Run(policy.String(), func(t *testing.T) {
			e := openTestEngine(t, fileCountOptions(t, policy))
			verySmall := buffer(0xc2, verySmallValueSize)
			small := buffer(0xb6, smallValueSize)

			steps := []struct {
				value    []byte
				expected int
			}{
				{verySmall, 1}, // 1 very small
				{verySmall, 2}, // 2 very small
				{small, 3},     // 2 very small, 1 small
				{small, 4},     // 2 very small, 2 small
				{verySmall, 3}, // 3 very small merge into 1 small: 3 small
				{verySmall, 2}, // 3 small merge into 1 medium: 1 very small, 1 medium
			}
			for i, step := range steps {
				addKey(t, e, key(i), step.value)
				checkpoint(t, e)
				requireFileCount(t, e, step.expected)
			}
			stats := e.Stats()
			assert.Equal(t, 1, stats.FilesPerBucket[merge.BucketVerySmall.String()])
			assert.Equal(t, 1, stats.FilesPerBucket[merge.BucketMedium.String()])
			for i, step := range steps {
				requireValue(t, e, key(i), step.value)
			}
		})
	}
}

func TestFileCountMerge_NoOpCheckpoint_MergeStillRuns(t *testing.T) {
	for _, policy := range []merge.Policy{merge.PolicyFileCount, merge.PolicyAll} {
		t.Run(policy.String(), func(t *testing.T) {
			e := openTestEngine(t, fileCountOptions(t, policy))
			verySmall := buffer(0xc2, verySmallValueSize)
			small := buffer(0xb6, smallValueSize)

			values := [][]byte{verySmall, verySmall, small, small, verySmall}
			expected := []int{1, 2, 3, 4, 3}
			for i, v := range values {
				addKey(t, e, key(i), v)
				checkpoint(t, e)
				requireFileCount(t, e, expected[i])
			}

			// Nothing new to drain; the small bucket still merges.
			checkpoint(t, e)
			checkpoint(t, e)
			requireFileCount(t, e, 1)
			for i, v := range values {
				requireValue(t, e, key(i), v)
			}
		})
	}
}

func TestFileCountMerge_MoreThanThresholdFiles_MergeThreeAtATime(t *testing.T) {
	for _, policy := range []merge.Policy{merge.PolicyFileCount, merge.PolicyAll} {
		t.Run(policy.String(), func(t *testing.T) {
			opts := fileCountOptions(t, merge.PolicyNone)
			e := openTestEngine(t, opts)
			verySmall := buffer(0xc2, verySmallValueSize)
			for i := 0; i < 10; i++ {
				addKey(t, e, key(i), verySmall)
				checkpoint(t, e)
				requireFileCount(t, e, i+1)
			}

			e.ConfigureMerge(func(ev *merge.Evaluator) {
				ev.Policy = policy
				ev.FileCount.Threshold = 3
			})
			// 10 very small -> 7 very small, 1 small -> 4 very small, 2 small
			// -> 1 very small, 3 small -> 1 very small, 1 medium.
			for _, expected := range []int{8, 6, 4, 2} {
				checkpoint(t, e)
				requireFileCount(t, e, expected)
			}
			for i := 0; i < 10; i++ {
				requireValue(t, e, key(i), verySmall)
			}
		})
	}
}

func TestFileCountMerge_TwoBucketsFullInOneCheckpoint(t *testing.T) {
	for _, background := range []bool{false, true} {
		t.Run(fmt.Sprintf("background=%v", background), func(t *testing.T) {
			opts := fileCountOptions(t, merge.PolicyNone)
			opts.EnableBackgroundConsolidation = background
			e := openTestEngine(t, opts)
			verySmall := buffer(0xc2, verySmallValueSize)
			small := buffer(0xb6, smallValueSize)

			values := [][]byte{verySmall, verySmall, verySmall, small, small, small}
			for i, v := range values {
				addKey(t, e, key(i), v)
				checkpoint(t, e)
			}
			requireFileCount(t, e, 6)

			e.ConfigureMerge(func(ev *merge.Evaluator) { ev.Policy = merge.PolicyFileCount })
			checkpoint(t, e)
			if background {
				select {
				case <-e.ConsolidationDone():
				case <-time.After(5 * time.Second):
					t.Fatal("background merge did not finish")
				}
				checkpoint(t, e)
			}

			// Each bucket is merged into its own output.
			requireFileCount(t, e, 2)
			stats := e.Stats()
			assert.Equal(t, 1, stats.FilesPerBucket[merge.BucketSmall.String()])
			assert.Equal(t, 1, stats.FilesPerBucket[merge.BucketMedium.String()])
			assert.Equal(t, int64(2), stats.Merges)
			for i, v := range values {
				requireValue(t, e, key(i), v)
			}
		})
	}
}

func TestMerge_DeletedEntriesPolicy_ReclaimsTombstones(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergePolicy = merge.PolicyDeletedEntries
	opts.MergeFilesCountThreshold = 2
	opts.NumberOfDeletedEntries = 0
	opts.PercentageOfDeletedEntries = 50
	e := openTestEngine(t, opts)

	for i := 0; i < 4; i++ {
		addKey(t, e, key(i), buffer(1, 16))
	}
	checkpoint(t, e)
	removeKey(t, e, key(0))
	removeKey(t, e, key(1))
	checkpoint(t, e)
	requireFileCount(t, e, 2)

	removeKey(t, e, key(2))
	checkpoint(t, e)

	// Both tombstone files qualify by ratio; the only file outside holds
	// older versions, so the tombstones must stay.
	requireFileCount(t, e, 2)
	for i := 0; i < 3; i++ {
		requireMissing(t, e, key(i))
	}
	requireValue(t, e, key(3), buffer(1, 16))
	e = reopen(t, e, opts)
	for i := 0; i < 3; i++ {
		requireMissing(t, e, key(i))
	}
	requireValue(t, e, key(3), buffer(1, 16))
}

func TestMerge_DeletedEntriesPolicy_SkipsFilesNeededBySnapshot(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergePolicy = merge.PolicyDeletedEntries
	opts.MergeFilesCountThreshold = 1
	e := openTestEngine(t, opts)

	addKey(t, e, key(1), buffer(1, 16))
	addKey(t, e, key(2), buffer(2, 16))
	snap, err := e.BeginTransaction(Snapshot)
	require.NoError(t, err)

	removeKey(t, e, key(1))
	checkpoint(t, e)
	requireFileCount(t, e, 1)
	assert.Equal(t, int64(0), e.Metrics().MergeTotal.Value())

	got, err := snap.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, buffer(1, 16), got)
	snap.Abort()

	checkpoint(t, e)
	assert.Equal(t, int64(1), e.Metrics().MergeTotal.Value())
	requireMissing(t, e, key(1))
	requireValue(t, e, key(2), buffer(2, 16))
}

func TestMerge_AddDeleteInParallel(t *testing.T) {
	policies := map[string]merge.Policy{
		"all":                     merge.PolicyAll,
		"invalid_deleted_entries": merge.PolicyInvalidEntries.Union(merge.PolicyDeletedEntries),
		"deleted_entries":         merge.PolicyDeletedEntries,
	}
	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			opts := getBaseTestOptions(t)
			opts.MergePolicy = policy
			e := openTestEngine(t, opts)

			const (
				iterations  = 10
				keysPerIter = 40
			)
			value := buffer(8, 8)
			added := make(map[string]bool)
			deleted := make(map[string]bool)
			next := 0
			for i := 0; i < iterations; i++ {
				toDelete := make(chan []byte, keysPerIter)
				var wg sync.WaitGroup
				var addErr, delErr error
				wg.Add(2)
				go func(start int) {
					defer wg.Done()
					defer close(toDelete)
					for j := start; j < start+keysPerIter; j++ {
						txn, err := e.BeginTransaction(ReadCommitted)
						if err == nil {
							err = txn.Add(key(j), value)
						}
						if err == nil {
							err = txn.Commit()
						}
						if err != nil {
							addErr = err
							return
						}
						if j%2 == 0 {
							toDelete <- key(j)
						}
					}
				}(next)
				go func() {
					defer wg.Done()
					for k := range toDelete {
						txn, err := e.BeginTransaction(ReadCommitted)
						if err == nil {
							err = txn.ConditionalRemove(k)
						}
						if err == nil {
							err = txn.Commit()
						}
						if err != nil {
							delErr = fmt.Errorf("remove %s: %w", k, err)
							return
						}
					}
				}()
				wg.Wait()
				require.NoError(t, addErr)
				require.NoError(t, delErr)

				for j := next; j < next+keysPerIter; j++ {
					if j%2 == 0 {
						deleted[string(key(j))] = true
					} else {
						added[string(key(j))] = true
					}
				}
				next += keysPerIter
				require.NoError(t, e.Checkpoint(context.Background()))
			}
			assert.LessOrEqual(t, e.CurrentTable().Len(), iterations)

			verify := func(e *Engine) {
				for k := range added {
					requireValue(t, e, []byte(k), value)
				}
				for k := range deleted {
					requireMissing(t, e, []byte(k))
				}
			}
			verify(e)
			verify(reopen(t, e, opts))
		})
	}
}

func TestMerge_ParallelCheckpointsAndCommits(t *testing.T) {
	opts := getBaseTestOptions(t)
	opts.MergePolicy = merge.PolicyAll
	e := openTestEngine(t, opts)

	const writers, perWriter = 4, 50
	stop := make(chan struct{})
	cpErr := make(chan error, 1)
	go func() {
		defer close(cpErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := e.Checkpoint(context.Background()); err != nil {
				cpErr <- err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := []byte(fmt.Sprintf("w%d-%03d", w, i))
				for _, op := range []func(*Txn) error{
					func(txn *Txn) error { return txn.Add(k, []byte("a")) },
					func(txn *Txn) error { return txn.ConditionalUpdate(k, []byte("b")) },
				} {
					txn, err := e.BeginTransaction(ReadCommitted)
					if err == nil {
						err = op(txn)
					}
					if err == nil {
						err = txn.Commit()
					}
					if err != nil {
						errs <- err
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, <-cpErr)
	checkpoint(t, e)

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			requireValue(t, e, []byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("b"))
		}
	}
	require.NoError(t, e.Err())
}
