package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/tstore/hooks"
)

// MergeLogListener logs merge and file-deletion activity and keeps running
// totals of reclaimed tombstones and superseded entries.
type MergeLogListener struct {
	logger            *slog.Logger
	async             bool
	merges            atomic.Int64
	droppedTombstones atomic.Int64
	droppedSuperseded atomic.Int64
	deletedFiles      atomic.Int64
}

// NewMergeLogListener creates the listener. Register it for
// EventPostMergeWrite and EventPreFileDelete.
func NewMergeLogListener(logger *slog.Logger, async bool) *MergeLogListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MergeLogListener{
		logger: logger.With("component", "MergeLogListener"),
		async:  async,
	}
}

// Register attaches the listener to the events it understands.
func (l *MergeLogListener) Register(m hooks.HookManager) {
	m.Register(hooks.EventPostMergeWrite, l)
	m.Register(hooks.EventPreFileDelete, l)
}

func (l *MergeLogListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPostMergeWrite:
		p, ok := event.Payload().(hooks.MergePayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", event.Payload(), event.Type())
		}
		l.merges.Add(1)
		l.droppedTombstones.Add(int64(p.DroppedTombstones))
		l.droppedSuperseded.Add(int64(p.DroppedSuperseded))
		l.logger.Info("Merge completed",
			"inputs", p.InputIDs,
			"output", p.OutputID,
			"output_size", p.OutputSize,
			"dropped_tombstones", p.DroppedTombstones,
			"dropped_superseded", p.DroppedSuperseded)
	case hooks.EventPreFileDelete:
		p, ok := event.Payload().(hooks.FilePayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", event.Payload(), event.Type())
		}
		l.deletedFiles.Add(1)
		l.logger.Debug("Deleting checkpoint file", "id", p.ID, "key_path", p.KeyPath, "size", p.Size)
	}
	return nil
}

func (l *MergeLogListener) Priority() int { return 100 }
func (l *MergeLogListener) IsAsync() bool { return l.async }

// Totals returns the counters accumulated so far.
func (l *MergeLogListener) Totals() (merges, droppedTombstones, droppedSuperseded, deletedFiles int64) {
	return l.merges.Load(), l.droppedTombstones.Load(), l.droppedSuperseded.Load(), l.deletedFiles.Load()
}
