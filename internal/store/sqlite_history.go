package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/syncd/internal/types"
)

const historyColumns = `id, operation_id, run_trigger, started_at, ended_at, status,
	total_records, processed_records, successful_records, failed_records,
	error_message, errors`

// historySelect adds the finalization sequence, which only FinalizeHistory
// assigns.
const historySelect = historyColumns + `, finalized_seq`

// AppendHistory opens a history entry for a run. Appending the same
// (operationId, startedAt) pair again is a no-op; entry.ID is set to the
// stored entry's id in both cases.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *types.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Status == "" {
		entry.Status = types.StatusRunning
	}
	errs, err := marshalRecordErrors(entry.Errors)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO sync_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id, started_at) DO NOTHING`,
		entry.ID, entry.OperationID, string(entry.Trigger), formatTime(entry.StartedAt),
		nullTime(entry.EndedAt), string(entry.Status),
		entry.TotalRecords, entry.ProcessedRecords, entry.SuccessfulRecords, entry.FailedRecords,
		entry.ErrorMessage, errs,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	err = tx.QueryRowContext(ctx, `SELECT id FROM sync_history WHERE operation_id = ? AND started_at = ?`,
		entry.OperationID, formatTime(entry.StartedAt)).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("read history id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FinalizeHistory records the terminal outcome of a run. Only entries still
// marked running are updated; finalizing twice leaves the first outcome.
// Each finalization takes the next value of a store-wide sequence in the
// same transaction, so sequence order is commit order even when end times
// tie or arrive out of order.
func (s *SQLiteStore) FinalizeHistory(ctx context.Context, entry *types.HistoryEntry) error {
	if !entry.Status.IsTerminal() {
		return fmt.Errorf("%w: got %s", ErrHistoryOpen, entry.Status)
	}
	if entry.EndedAt == nil {
		end := s.clock()
		entry.EndedAt = &end
	}
	errs, err := marshalRecordErrors(entry.Errors)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE sync_history SET
		ended_at = ?, status = ?, total_records = ?, processed_records = ?,
		successful_records = ?, failed_records = ?, error_message = ?, errors = ?,
		finalized_seq = (SELECT value + 1 FROM history_sequence WHERE id = 1)
		WHERE id = ? AND status = 'running'`,
		nullTime(entry.EndedAt), string(entry.Status),
		entry.TotalRecords, entry.ProcessedRecords, entry.SuccessfulRecords, entry.FailedRecords,
		entry.ErrorMessage, errs, entry.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		err = tx.QueryRowContext(ctx,
			`UPDATE history_sequence SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&entry.Seq)
		if err != nil {
			return fmt.Errorf("advance history sequence: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sync_history WHERE id = ?`, entry.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check history: %w", err)
	}
	return nil
}

// ListHistory returns the runs of an operation, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, operationID string) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+historySelect+` FROM sync_history
		WHERE operation_id = ? ORDER BY started_at DESC, id DESC`, operationID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return collectHistory(rows)
}

// HistoryAfter returns finalized entries whose sequence is greater than
// afterSeq, in finalization order. It backs incremental export: an entry
// finalized later always has a greater sequence than every entry a reader
// has already seen.
func (s *SQLiteStore) HistoryAfter(ctx context.Context, afterSeq int64, limit int) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+historySelect+` FROM sync_history
		WHERE finalized_seq IS NOT NULL AND finalized_seq > ?
		ORDER BY finalized_seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return collectHistory(rows)
}

// PruneHistory deletes finalized entries that ended before the cutoff.
// Open entries are never pruned.
func (s *SQLiteStore) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_history
		WHERE ended_at IS NOT NULL AND ended_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return result.RowsAffected()
}

func collectHistory(rows *sql.Rows) ([]types.HistoryEntry, error) {
	defer rows.Close()
	entries := []types.HistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

func scanHistory(scanner interface{ Scan(...any) error }) (*types.HistoryEntry, error) {
	var e types.HistoryEntry
	var trigger, status, startedAt, errs string
	var endedAt sql.NullString
	var seq sql.NullInt64

	err := scanner.Scan(
		&e.ID, &e.OperationID, &trigger, &startedAt, &endedAt, &status,
		&e.TotalRecords, &e.ProcessedRecords, &e.SuccessfulRecords, &e.FailedRecords,
		&e.ErrorMessage, &errs, &seq,
	)
	if err != nil {
		return nil, err
	}
	e.Seq = seq.Int64
	e.Trigger = types.RunTrigger(trigger)
	e.Status = types.OperationStatus(status)
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if e.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errs), &e.Errors); err != nil {
		return nil, fmt.Errorf("parse errors JSON: %w", err)
	}
	if len(e.Errors) == 0 {
		e.Errors = nil
	}
	return &e, nil
}

func marshalRecordErrors(errs []types.RecordError) (string, error) {
	if errs == nil {
		errs = []types.RecordError{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("marshal record errors: %w", err)
	}
	return string(b), nil
}
