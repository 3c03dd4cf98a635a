package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/syncd/internal/export"
	"github.com/hyperengineering/syncd/internal/types"
)

// HistorySource lists finalized history entries in finalization order.
// Implemented by store.SQLiteStore.
type HistorySource interface {
	HistoryAfter(ctx context.Context, afterSeq int64, limit int) ([]types.HistoryEntry, error)
}

// ExportCoordinator periodically ships history finalized since its
// watermark to object storage. The watermark is the finalization sequence
// of the last exported entry, not its end time, so runs that end out of
// order are not skipped. Delivery is at least once: the watermark lives in
// memory, so a restart re-exports from the start.
type ExportCoordinator struct {
	source    HistorySource
	uploader  export.Uploader
	interval  time.Duration
	batchSize int
	now       func() time.Time

	mu        sync.Mutex
	watermark int64
}

// NewExportCoordinator creates a coordinator exporting up to batchSize
// entries per object.
func NewExportCoordinator(
	source HistorySource,
	uploader export.Uploader,
	interval time.Duration,
	batchSize int,
) *ExportCoordinator {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &ExportCoordinator{
		source:    source,
		uploader:  uploader,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SetWatermark sets the sequence after which entries are exported.
func (c *ExportCoordinator) SetWatermark(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watermark = seq
}

// Watermark returns the sequence of the last exported entry.
func (c *ExportCoordinator) Watermark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Run starts the coordinator loop. It exports immediately, then on every
// tick, until ctx is cancelled.
func (c *ExportCoordinator) Run(ctx context.Context) {
	if !c.uploader.Enabled() {
		slog.Info("history export disabled",
			"component", "worker",
			"worker", "export-coordinator",
		)
		return
	}

	slog.Info("worker started",
		"component", "worker",
		"worker", "export-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "export-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

func (c *ExportCoordinator) runCycle(ctx context.Context) {
	n, err := c.ExportOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Warn("history export failed",
			"component", "worker",
			"worker", "export-coordinator",
			"action", "export_failed",
			"exported", n,
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Info("history export cycle completed",
			"component", "worker",
			"worker", "export-coordinator",
			"action", "cycle_complete",
			"exported", n,
			"watermark", c.Watermark(),
		)
	}
}

// ExportOnce uploads every entry finalized after the watermark, one object
// per batch, and advances the watermark after each successful upload.
func (c *ExportCoordinator) ExportOnce(ctx context.Context) (int, error) {
	exported := 0
	for {
		if ctx.Err() != nil {
			return exported, ctx.Err()
		}

		after := c.Watermark()
		entries, err := c.source.HistoryAfter(ctx, after, c.batchSize)
		if err != nil {
			return exported, err
		}
		if len(entries) == 0 {
			return exported, nil
		}

		key, err := c.uploader.UploadHistory(ctx, entries, c.now())
		if err != nil {
			if errors.Is(err, export.ErrNotConfigured) {
				return exported, nil
			}
			return exported, err
		}

		c.SetWatermark(entries[len(entries)-1].Seq)
		exported += len(entries)

		slog.Debug("history batch exported",
			"component", "worker",
			"worker", "export-coordinator",
			"action", "batch_exported",
			"object", key,
			"entries", len(entries),
		)

		if len(entries) < c.batchSize {
			return exported, nil
		}
	}
}
