package engine

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/caio/go-tdigest/v4"
)

// EngineMetrics holds all expvar variables for an Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	CommitTotal       *expvar.Int
	CommitErrorsTotal *expvar.Int
	GetTotal          *expvar.Int

	CheckpointTotal         *expvar.Int
	CheckpointFilesCreated  *expvar.Int
	CheckpointEntriesTotal  *expvar.Int
	CheckpointLatencyHist   *expvar.Map
	MergeTotal              *expvar.Int
	MergeAbortedTotal       *expvar.Int
	MergeFilesMergedTotal   *expvar.Int
	MergeBytesReclaimed     *expvar.Int
	MergeTombstonesDropped  *expvar.Int
	MergeSupersededDropped  *expvar.Int
	MergeLatencyHist        *expvar.Map
	MergesInProgress        *expvar.Int
	FilesDeletedTotal       *expvar.Int
	FilesDeleteDeferred     *expvar.Int
	RecoveryDurationSeconds *expvar.Float
	RecoveredFilesTotal     *expvar.Int

	CacheHits   *expvar.Int
	CacheMisses *expvar.Int

	digestMu         sync.Mutex
	checkpointDigest *tdigest.TDigest
	mergeDigest      *tdigest.TDigest
}

// NewEngineMetrics creates the metric set. When publishGlobally is set every
// variable is registered in the expvar namespace under prefix.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally: publishGlobally,
		CommitTotal:       newIntFunc(prefix + "commit_total"),
		CommitErrorsTotal: newIntFunc(prefix + "commit_errors_total"),
		GetTotal:          newIntFunc(prefix + "get_total"),

		CheckpointTotal:        newIntFunc(prefix + "checkpoint_total"),
		CheckpointFilesCreated: newIntFunc(prefix + "checkpoint_files_created_total"),
		CheckpointEntriesTotal: newIntFunc(prefix + "checkpoint_entries_total"),
		CheckpointLatencyHist:  newMapFunc(prefix + "checkpoint_latency_seconds"),

		MergeTotal:             newIntFunc(prefix + "merge_total"),
		MergeAbortedTotal:      newIntFunc(prefix + "merge_aborted_total"),
		MergeFilesMergedTotal:  newIntFunc(prefix + "merge_files_merged_total"),
		MergeBytesReclaimed:    newIntFunc(prefix + "merge_bytes_reclaimed_total"),
		MergeTombstonesDropped: newIntFunc(prefix + "merge_tombstones_dropped_total"),
		MergeSupersededDropped: newIntFunc(prefix + "merge_superseded_dropped_total"),
		MergeLatencyHist:       newMapFunc(prefix + "merge_latency_seconds"),
		MergesInProgress:       newIntFunc(prefix + "merges_in_progress"),

		FilesDeletedTotal:   newIntFunc(prefix + "files_deleted_total"),
		FilesDeleteDeferred: newIntFunc(prefix + "files_delete_deferred"),

		RecoveryDurationSeconds: newFloatFunc(prefix + "recovery_duration_seconds"),
		RecoveredFilesTotal:     newIntFunc(prefix + "recovered_files_total"),

		CacheHits:   newIntFunc(prefix + "cache_hits"),
		CacheMisses: newIntFunc(prefix + "cache_misses"),
	}

	for _, m := range []*expvar.Map{em.CheckpointLatencyHist, em.MergeLatencyHist} {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}

	// tdigest.New only fails on invalid options.
	em.checkpointDigest, _ = tdigest.New()
	em.mergeDigest, _ = tdigest.New()
	return em
}

// observeCheckpoint records a checkpoint duration in seconds.
func (em *EngineMetrics) observeCheckpoint(seconds float64) {
	observeLatency(em.CheckpointLatencyHist, seconds)
	em.digestMu.Lock()
	_ = em.checkpointDigest.Add(seconds)
	em.digestMu.Unlock()
}

// observeMerge records a merge duration in seconds.
func (em *EngineMetrics) observeMerge(seconds float64) {
	observeLatency(em.MergeLatencyHist, seconds)
	em.digestMu.Lock()
	_ = em.mergeDigest.Add(seconds)
	em.digestMu.Unlock()
}

// Quantiles holds latency quantiles in seconds.
type Quantiles struct {
	Count uint64
	P50   float64
	P99   float64
}

func (em *EngineMetrics) quantiles() (checkpoint, merge Quantiles) {
	em.digestMu.Lock()
	defer em.digestMu.Unlock()
	read := func(td *tdigest.TDigest) Quantiles {
		q := Quantiles{Count: td.Count()}
		if q.Count > 0 {
			q.P50 = td.Quantile(0.5)
			q.P99 = td.Quantile(0.99)
		}
		return q
	}
	return read(em.checkpointDigest), read(em.mergeDigest)
}
