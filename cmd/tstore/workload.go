package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/INLOpen/tstore/engine"
)

// workload drives a random add/update/remove mix against a store.
type workload struct {
	Ops             int
	ValueSize       int
	CheckpointEvery int
	UpdateRatio     float64
	DeleteRatio     float64
	Seed            int64
}

type workloadResult struct {
	Ops, Adds, Updates, Removes int
	Live                        int
	Checkpoints                 int
}

func (w workload) validate() error {
	if w.Ops < 0 || w.ValueSize < 0 || w.CheckpointEvery < 0 {
		return fmt.Errorf("workload sizes must not be negative")
	}
	if w.UpdateRatio < 0 || w.DeleteRatio < 0 || w.UpdateRatio+w.DeleteRatio > 1 {
		return fmt.Errorf("update and delete ratios must be non-negative and sum to at most 1")
	}
	return nil
}

// run commits one operation per transaction and checkpoints every
// CheckpointEvery operations and once at the end. Keys are numbered after the
// keys already in the store's sequence so reruns keep adding fresh keys.
func (w workload) run(ctx context.Context, e *engine.Engine, logger *slog.Logger) (workloadResult, error) {
	var res workloadResult
	if err := w.validate(); err != nil {
		return res, err
	}
	rng := rand.New(rand.NewSource(w.Seed))
	base := e.Stats().Sequence
	var live [][]byte
	next := uint64(0)

	for i := 0; i < w.Ops; i++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("Workload interrupted", "completed_ops", res.Ops)
			break
		}
		txn, err := e.BeginTransaction(engine.ReadCommitted)
		if err != nil {
			return res, err
		}
		value := make([]byte, w.ValueSize)
		rng.Read(value)

		r := rng.Float64()
		switch {
		case len(live) == 0 || r >= w.UpdateRatio+w.DeleteRatio:
			key := []byte(fmt.Sprintf("load-%012d-%08d", base, next))
			next++
			err = txn.Add(key, value)
			live = append(live, key)
			res.Adds++
		case r < w.UpdateRatio:
			err = txn.ConditionalUpdate(live[rng.Intn(len(live))], value)
			res.Updates++
		default:
			idx := rng.Intn(len(live))
			err = txn.ConditionalRemove(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Removes++
		}
		if err != nil {
			txn.Abort()
			return res, fmt.Errorf("operation %d: %w", i, err)
		}
		if err := txn.Commit(); err != nil {
			return res, fmt.Errorf("operation %d: %w", i, err)
		}
		res.Ops++

		if w.CheckpointEvery > 0 && res.Ops%w.CheckpointEvery == 0 {
			if err := e.Checkpoint(ctx); err != nil {
				return res, err
			}
			res.Checkpoints++
			logger.Debug("Checkpoint", "ops", res.Ops, "files", e.CurrentTable().Len())
		}
	}

	if err := e.Checkpoint(context.WithoutCancel(ctx)); err != nil {
		return res, err
	}
	res.Checkpoints++
	res.Live = len(live)
	return res, nil
}
