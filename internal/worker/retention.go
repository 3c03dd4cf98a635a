package worker

import (
	"context"
	"log/slog"
	"time"
)

// HistoryPruner deletes finalized history older than a cutoff.
// Implemented by store.SQLiteStore.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// RetentionWorker removes run history older than the retention period.
type RetentionWorker struct {
	pruner    HistoryPruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewRetentionWorker creates a retention worker. A zero retention disables
// pruning.
func NewRetentionWorker(pruner HistoryPruner, retention, interval time.Duration) *RetentionWorker {
	return &RetentionWorker{
		pruner:    pruner,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

// Run starts the retention loop. It blocks until ctx is cancelled.
//
// Pruning waits for the first tick; a full history scan at startup would
// compete with the first scheduler pass.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.retention <= 0 {
		slog.Info("history retention disabled",
			"component", "worker",
			"worker", "retention",
		)
		return
	}

	slog.Info("retention worker started",
		"component", "worker",
		"worker", "retention",
		"interval", w.interval.String(),
		"retention", w.retention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention worker stopped",
				"component", "worker",
				"worker", "retention",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes history that ended before now minus the retention
// period and returns the number of removed entries.
func (w *RetentionWorker) PruneOnce(ctx context.Context) int64 {
	start := w.now()
	cutoff := start.Add(-w.retention)

	removed, err := w.pruner.PruneHistory(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return 0 // Graceful shutdown, don't log as error
		}
		slog.Error("history pruning failed",
			"component", "worker",
			"worker", "retention",
			"cutoff", cutoff.Format(time.RFC3339),
			"error", err,
		)
		return 0
	}

	slog.Info("history pruned",
		"component", "worker",
		"worker", "retention",
		"cutoff", cutoff.Format(time.RFC3339),
		"entries_removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return removed
}
