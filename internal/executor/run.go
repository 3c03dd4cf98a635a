package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/syncd/internal/connector"
	"github.com/hyperengineering/syncd/internal/scheduler"
	"github.com/hyperengineering/syncd/internal/store"
	"github.com/hyperengineering/syncd/internal/types"
)

// outcome is the terminal result of one run.
type outcome struct {
	status  types.OperationStatus
	message string
	audit   string
}

func failed(audit, format string, args ...any) outcome {
	return outcome{status: types.StatusFailed, message: fmt.Sprintf(format, args...), audit: audit}
}

// execute runs one admitted job to completion and finalizes it.
func (e *Executor) execute(j *job) {
	ctx, cancel := context.WithTimeoutCause(e.ctx, e.cfg.RunTimeout, ErrTimeout)
	defer cancel()

	start := time.Now()
	res := e.process(ctx, j)
	e.finish(j, res)

	slog.Info("run finished",
		"component", "executor",
		"operation_id", j.opID,
		"status", string(res.status),
		"duration", time.Since(start).String(),
	)
}

// interrupted maps a done run context to its outcome.
func (e *Executor) interrupted(ctx context.Context) outcome {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return failed(types.AuditRunTimeout, "Timeout: run exceeded %s", e.cfg.RunTimeout)
	}
	return failed(types.AuditRunInterrupted, "Interrupted: executor stopped")
}

// process is the batch loop. Store writes use a background context so a
// timed-out run can still record its progress.
func (e *Executor) process(ctx context.Context, j *job) outcome {
	bg := context.Background()
	op, err := e.store.GetOperation(bg, j.opID)
	if err != nil {
		return failed(types.AuditRunFailed, "Internal: load operation: %v", err)
	}

	src, err := e.connectors.Resolve(op.SourceSystem)
	if err != nil {
		return failed(types.AuditRunFailed, "ConnectorError: %v", err)
	}
	dst, err := e.connectors.Resolve(op.TargetSystem)
	if err != nil {
		return failed(types.AuditRunFailed, "ConnectorError: %v", err)
	}

	var stream connector.RecordStream
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		stream, err = src.Extract(ctx, connector.ExtractRequest{
			OperationID: op.ID,
			System:      op.SourceSystem,
			DataType:    op.DataType,
			Fields:      op.Fields,
			Filter:      op.Filter,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx)
		}
		return failed(types.AuditRunFailed, "ConnectorError: %v", err)
	}
	defer stream.Close()

	if total := stream.Total(); total >= 0 {
		if err := e.progress(j, func(op *types.SyncOperation) {
			op.TotalRecords = total
		}); err != nil {
			return failed(types.AuditRunFailed, "Internal: record progress: %v", err)
		}
	}

	loadReq := connector.LoadRequest{OperationID: op.ID, System: op.TargetSystem, DataType: op.DataType}
	for {
		if j.cancelled.Load() {
			return outcome{status: types.StatusCancelled}
		}
		if ctx.Err() != nil {
			return e.interrupted(ctx)
		}

		var batch []connector.Record
		err := e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			batch, err = stream.Next(ctx, e.cfg.BatchSize)
			return err
		})
		if errors.Is(err, io.EOF) {
			return outcome{status: types.StatusCompleted}
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx)
			}
			return failed(types.AuditRunFailed, "ConnectorError: %v", err)
		}
		if len(batch) == 0 {
			// A stream that neither yields records nor ends would never finish.
			return failed(types.AuditRunFailed, "ConnectorError: extract %s: empty batch without end of stream", op.SourceSystem)
		}

		records := applyMapping(batch, op.FieldMapping)
		var results []connector.RecordResult
		err = e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			results, err = dst.Load(ctx, loadReq, records)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx)
			}
			if connector.IsUnrecoverable(err) {
				return failed(types.AuditRunFailed, "ConnectorError: %v", err)
			}
			// Retries exhausted: the whole batch counts as failed.
			msg := fmt.Sprintf("batch of %d records failed after %d attempts: %v", len(records), e.cfg.BatchRetries+1, err)
			slog.Warn("batch failed",
				"component", "executor",
				"operation_id", j.opID,
				"error", err,
			)
			e.pub.Publish(types.NewAuditNotification(j.opID, types.AuditBatchFailed, types.SeverityWarning, msg, e.now()))
			results = make([]connector.RecordResult, len(records))
			for i, rec := range records {
				results[i] = connector.RecordResult{RecordID: rec.ID, Err: err.Error()}
			}
		} else {
			results, err = e.retryRejected(ctx, j, dst, loadReq, records, results)
			if err != nil {
				if ctx.Err() != nil {
					return e.interrupted(ctx)
				}
				return failed(types.AuditRunFailed, "ConnectorError: %v", err)
			}
		}

		succeeded, failedN := e.tally(j, records, results)
		var processed, failedTotal int
		if err := e.progress(j, func(op *types.SyncOperation) {
			op.ProcessedRecords += len(records)
			op.SuccessfulRecords += succeeded
			op.FailedRecords += failedN
			if op.TotalRecords < op.ProcessedRecords {
				op.TotalRecords = op.ProcessedRecords
			}
			processed, failedTotal = op.ProcessedRecords, op.FailedRecords
		}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return outcome{status: types.StatusCancelled}
			}
			return failed(types.AuditRunFailed, "Internal: record progress: %v", err)
		}

		if e.exceedsThreshold(processed, failedTotal) {
			return failed(types.AuditRunFailed,
				"ConnectorError: abort threshold exceeded: %d of %d records failed", failedTotal, processed)
		}
	}
}

func (e *Executor) backoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.RetryBackoff)
	b = retry.WithCappedDuration(30*time.Second, b)
	return retry.WithMaxRetries(uint64(e.cfg.BatchRetries), b)
}

// withRetry retries fn with exponential backoff while its error is
// recoverable. io.EOF and unrecoverable connector errors return at once.
func (e *Executor) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, io.EOF) || connector.IsUnrecoverable(err) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
}

// retryRejected re-submits the records the target refused, up to
// BatchRetries more times with backoff, and returns the final result for
// every record in batch order. A recoverable load error uses up an attempt
// and leaves the previous reasons in place; an unrecoverable one is returned.
func (e *Executor) retryRejected(ctx context.Context, j *job, dst connector.Connector, req connector.LoadRequest,
	records []connector.Record, results []connector.RecordResult) ([]connector.RecordResult, error) {
	reasons := recordReasons(records, results)
	b := e.backoff()
	for {
		var pending []connector.Record
		for _, rec := range records {
			if reasons[rec.ID] != "" {
				pending = append(pending, rec)
			}
		}
		if len(pending) == 0 {
			break
		}
		delay, stop := b.Next()
		if stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		slog.Debug("retrying rejected records",
			"component", "executor",
			"operation_id", j.opID,
			"records", len(pending),
		)
		retried, err := dst.Load(ctx, req, pending)
		if err != nil {
			if ctx.Err() != nil || connector.IsUnrecoverable(err) {
				return nil, err
			}
			continue
		}
		for id, reason := range recordReasons(pending, retried) {
			reasons[id] = reason
		}
	}

	out := make([]connector.RecordResult, len(records))
	for i, rec := range records {
		out[i] = connector.RecordResult{RecordID: rec.ID, Err: reasons[rec.ID]}
	}
	return out, nil
}

// recordReasons maps each record id to its failure reason, empty when the
// target accepted it. A record missing from results counts as failed.
func recordReasons(records []connector.Record, results []connector.RecordResult) map[string]string {
	byID := make(map[string]string, len(results))
	for _, r := range results {
		byID[r.RecordID] = r.Err
	}
	reasons := make(map[string]string, len(records))
	for i, rec := range records {
		if i < len(results) && results[i].RecordID == rec.ID {
			reasons[rec.ID] = results[i].Err
			continue
		}
		reason, ok := byID[rec.ID]
		if !ok {
			reason = "no result returned for record"
		}
		reasons[rec.ID] = reason
	}
	return reasons
}

func (e *Executor) exceedsThreshold(processed, failedN int) bool {
	if e.cfg.AbortThreshold <= 0 || processed == 0 || processed < e.cfg.AbortMinRecords {
		return false
	}
	return float64(failedN)/float64(processed) > e.cfg.AbortThreshold
}

// tally counts per-record results and keeps the first failures for the
// history entry. A record missing from results counts as failed.
func (e *Executor) tally(j *job, records []connector.Record, results []connector.RecordResult) (succeeded, failedN int) {
	reasons := recordReasons(records, results)
	for _, rec := range records {
		reason := reasons[rec.ID]
		if reason == "" {
			succeeded++
			continue
		}
		failedN++
		if len(j.history.Errors) < e.cfg.MaxErrorDetails {
			j.history.Errors = append(j.history.Errors, types.RecordError{RecordID: rec.ID, Reason: reason})
		}
	}
	return succeeded, failedN
}

// progress applies a counter update to a running operation and publishes
// the resulting snapshot.
func (e *Executor) progress(j *job, fn func(op *types.SyncOperation)) error {
	op, err := e.store.MutateOperation(context.Background(), j.opID, func(op *types.SyncOperation) error {
		if op.Status != types.StatusRunning {
			return &types.TransitionError{ID: op.ID, From: op.Status, To: types.StatusRunning}
		}
		fn(op)
		return nil
	})
	if err != nil {
		return err
	}
	e.pub.Publish(types.NewOperationUpdate(op, e.now()))
	return nil
}

// finish records the terminal state on the operation and closes its
// history entry.
func (e *Executor) finish(j *job, res outcome) {
	bg := context.Background()
	now := e.now().UTC()

	op, err := e.store.MutateOperation(bg, j.opID, func(op *types.SyncOperation) error {
		defer e.forget(j)
		if err := op.Transition(res.status); err != nil {
			return err
		}
		switch res.status {
		case types.StatusCompleted:
			op.ErrorMessage = ""
			if op.Schedule.Recurring() {
				op.NextRunAt = e.nextRun(op, now)
				if op.NextRunAt != nil {
					return op.Transition(types.StatusScheduled)
				}
			} else {
				op.NextRunAt = nil
			}
		case types.StatusFailed:
			op.ErrorMessage = res.message
			if op.Schedule.Recurring() {
				op.NextRunAt = e.nextRun(op, now)
			} else {
				op.NextRunAt = nil
			}
		case types.StatusCancelled:
			op.ErrorMessage = ""
			op.NextRunAt = nil
		}
		return nil
	})
	if err != nil {
		e.forget(j)
		slog.Error("failed to finalize operation",
			"component", "executor",
			"operation_id", j.opID,
			"status", string(res.status),
			"error", err,
		)
	}

	if j.history != nil && j.history.ID != "" {
		h := j.history
		h.Status = res.status
		h.EndedAt = &now
		h.ErrorMessage = res.message
		if op != nil {
			h.TotalRecords = op.TotalRecords
			h.ProcessedRecords = op.ProcessedRecords
			h.SuccessfulRecords = op.SuccessfulRecords
			h.FailedRecords = op.FailedRecords
		}
		if err := e.store.FinalizeHistory(bg, h); err != nil {
			slog.Error("failed to finalize history",
				"component", "executor",
				"operation_id", j.opID,
				"history_id", h.ID,
				"error", err,
			)
		}
	}

	if op != nil {
		e.pub.Publish(types.NewOperationUpdate(op, now))
	}
	if res.status == types.StatusFailed && res.audit != "" {
		e.pub.Publish(types.NewAuditNotification(j.opID, res.audit, types.SeverityError, res.message, now))
	}
}

func (e *Executor) nextRun(op *types.SyncOperation, now time.Time) *time.Time {
	next, err := scheduler.NextRun(op.Schedule, now)
	if err != nil {
		slog.Error("failed to compute next run",
			"component", "executor",
			"operation_id", op.ID,
			"error", err,
		)
		return nil
	}
	return next
}
