package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncd/internal/types"
)

// DueLister returns operations whose next run is due. Implemented by the
// SQLite store.
type DueLister interface {
	DueOperations(ctx context.Context, now time.Time) ([]types.SyncOperation, error)
}

// Dispatcher starts a run for a due operation. started is false when the
// operation was no longer due, for instance because a concurrent tick or a
// manual run won the status transition.
type Dispatcher interface {
	DispatchDue(ctx context.Context, id string, now time.Time) (started bool, err error)
}

// Scheduler periodically dispatches due operations.
type Scheduler struct {
	ops        DueLister
	dispatcher Dispatcher
	interval   time.Duration
	now        func() time.Time
}

// New creates a scheduler ticking at interval.
func New(ops DueLister, dispatcher Dispatcher, interval time.Duration) *Scheduler {
	return &Scheduler{
		ops:        ops,
		dispatcher: dispatcher,
		interval:   interval,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started",
		"component", "scheduler",
		"interval", s.interval.String(),
	)

	s.Tick(ctx, s.now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped",
				"component", "scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick dispatches every operation due at now and returns how many runs were
// started. Failures are logged per operation and never stop the tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due, err := s.ops.DueOperations(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to load due operations",
				"component", "scheduler",
				"error", err,
			)
		}
		return 0
	}

	started := 0
	for _, op := range due {
		if ctx.Err() != nil {
			return started
		}
		ok, err := s.dispatcher.DispatchDue(ctx, op.ID, now)
		if err != nil {
			slog.Warn("dispatch failed",
				"component", "scheduler",
				"operation_id", op.ID,
				"error", err,
			)
			continue
		}
		if ok {
			started++
		}
	}

	if len(due) > 0 {
		slog.Debug("scheduler tick completed",
			"component", "scheduler",
			"due", len(due),
			"started", started,
		)
	}
	return started
}
