package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncd/internal/scheduler"
	"github.com/hyperengineering/syncd/internal/store"
	"github.com/hyperengineering/syncd/internal/types"
)

// InterruptedMessage is the error recorded on runs cut short by a restart.
const InterruptedMessage = "Interrupted: interrupted by restart"

// RecoveryStore is the subset of the store used to repair runs orphaned by
// a crash. Implemented by store.SQLiteStore.
type RecoveryStore interface {
	RunningOperations(ctx context.Context) ([]types.SyncOperation, error)
	MutateOperation(ctx context.Context, id string, fn store.MutateFunc) (*types.SyncOperation, error)
	ListHistory(ctx context.Context, operationID string) ([]types.HistoryEntry, error)
	FinalizeHistory(ctx context.Context, entry *types.HistoryEntry) error
}

// Publisher receives status events. Implemented by broadcast.Hub.
type Publisher interface {
	Publish(evt types.StatusEvent) types.StatusEvent
}

// RecoverInterrupted fails every operation still marked running and closes
// its open history entries. It must run before the executor starts. Returns
// the number of operations recovered; a failure on one operation does not
// stop the others.
func RecoverInterrupted(ctx context.Context, s RecoveryStore, pub Publisher, now time.Time) (int, error) {
	running, err := s.RunningOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running operations: %w", err)
	}

	recovered := 0
	for _, candidate := range running {
		op, err := s.MutateOperation(ctx, candidate.ID, func(op *types.SyncOperation) error {
			if op.Status != types.StatusRunning {
				return &types.TransitionError{ID: op.ID, From: op.Status, To: types.StatusFailed}
			}
			if err := op.Transition(types.StatusFailed); err != nil {
				return err
			}
			op.ErrorMessage = InterruptedMessage
			op.NextRunAt = nil
			if op.Schedule.Recurring() {
				if next, err := scheduler.NextRun(op.Schedule, now); err == nil {
					op.NextRunAt = next
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("failed to recover interrupted operation",
				"component", "worker",
				"worker", "recovery",
				"operation_id", candidate.ID,
				"error", err,
			)
			continue
		}

		closeOpenHistory(ctx, s, op, now)
		recovered++

		if pub != nil {
			pub.Publish(types.NewOperationUpdate(op, now))
			pub.Publish(types.NewAuditNotification(op.ID, types.AuditRunInterrupted, types.SeverityWarning, InterruptedMessage, now))
		}
		slog.Warn("interrupted run recovered",
			"component", "worker",
			"worker", "recovery",
			"operation_id", op.ID,
			"processed", op.ProcessedRecords,
		)
	}
	return recovered, nil
}

func closeOpenHistory(ctx context.Context, s RecoveryStore, op *types.SyncOperation, now time.Time) {
	entries, err := s.ListHistory(ctx, op.ID)
	if err != nil {
		slog.Error("failed to list history for recovery",
			"component", "worker",
			"worker", "recovery",
			"operation_id", op.ID,
			"error", err,
		)
		return
	}
	for i := range entries {
		entry := entries[i]
		if entry.Finalized() {
			continue
		}
		ended := now
		entry.Status = types.StatusFailed
		entry.EndedAt = &ended
		entry.ErrorMessage = InterruptedMessage
		entry.TotalRecords = op.TotalRecords
		entry.ProcessedRecords = op.ProcessedRecords
		entry.SuccessfulRecords = op.SuccessfulRecords
		entry.FailedRecords = op.FailedRecords
		if err := s.FinalizeHistory(ctx, &entry); err != nil {
			slog.Error("failed to finalize interrupted history",
				"component", "worker",
				"worker", "recovery",
				"operation_id", op.ID,
				"history_id", entry.ID,
				"error", err,
			)
		}
	}
}
