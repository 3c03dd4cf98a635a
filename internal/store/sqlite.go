package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/syncd/internal/scheduler"
	"github.com/hyperengineering/syncd/internal/types"
	"github.com/hyperengineering/syncd/internal/validation"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// SQLiteStore is the SQLite-backed operation store and history log.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and turns SQLite's
	// single-writer rule into Go-side queueing instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, locks: newKeyedMutex(), now: time.Now}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// SetClock replaces the time source used for timestamps. Used by tests.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// DB exposes the underlying handle for migration tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) clock() time.Time {
	return s.now().UTC()
}

const operationColumns = `id, name, description, source_system, target_system, data_type,
	fields, field_mapping, filter, status, schedule, created_at, updated_at,
	last_run_at, next_run_at, total_records, processed_records, successful_records,
	failed_records, error_message`

// CreateOperation stores a new operation in pending status. A missing id is
// generated; timestamps and nextRunAt are derived here.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *types.SyncOperation) error {
	now := s.clock()
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	op.Status = types.StatusPending
	op.CreatedAt = now
	op.UpdatedAt = now
	op.LastRunAt = nil
	op.ErrorMessage = ""
	op.ResetCounters()
	if op.Fields == nil {
		op.Fields = []string{}
	}
	if op.FieldMapping == nil {
		op.FieldMapping = []types.FieldMapping{}
	}

	if err := validation.ValidateOperation(op); err != nil {
		return err
	}
	if err := scheduler.Anchor(op.Schedule, now); err != nil {
		return err
	}
	next, err := scheduler.FirstRun(op.Schedule, now)
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	op.NextRunAt = next

	unlock := s.locks.Lock(op.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sync_operations WHERE id = ?`, op.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateID, op.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check existing id: %w", err)
	}

	args, err := operationArgs(op)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sync_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return op, nil
}

// UpdateOperation merges a partial update. The merged operation is
// validated as a whole and nextRunAt is recomputed when the schedule changed.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, id string, patch types.OperationPatch) (*types.SyncOperation, error) {
	return s.MutateOperation(ctx, id, func(op *types.SyncOperation) error {
		if op.Status == types.StatusRunning {
			return fmt.Errorf("%w: %s", ErrOperationBusy, id)
		}
		if !applyPatch(op, patch) {
			return validation.ValidateOperation(op)
		}
		if err := validation.ValidateOperation(op); err != nil {
			return err
		}
		return s.reschedule(op)
	})
}

// reschedule recomputes nextRunAt after a schedule edit.
func (s *SQLiteStore) reschedule(op *types.SyncOperation) error {
	now := s.clock()
	if err := scheduler.Anchor(op.Schedule, now); err != nil {
		return err
	}
	switch op.Status {
	case types.StatusCancelled:
		op.NextRunAt = nil
		return nil
	case types.StatusCompleted, types.StatusFailed:
		if !op.Schedule.Recurring() {
			op.NextRunAt = nil
			return nil
		}
		if op.Status == types.StatusCompleted {
			if err := op.Transition(types.StatusScheduled); err != nil {
				return err
			}
		}
	}
	next, err := scheduler.FirstRun(op.Schedule, now)
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	op.NextRunAt = next
	return nil
}

// applyPatch merges non-nil patch fields into op and reports whether the
// schedule changed.
func applyPatch(op *types.SyncOperation, p types.OperationPatch) bool {
	if p.Name != nil {
		op.Name = *p.Name
	}
	if p.Description != nil {
		op.Description = *p.Description
	}
	if p.SourceSystem != nil {
		op.SourceSystem = *p.SourceSystem
	}
	if p.TargetSystem != nil {
		op.TargetSystem = *p.TargetSystem
	}
	if p.DataType != nil {
		op.DataType = *p.DataType
	}
	if p.Fields != nil {
		op.Fields = *p.Fields
	}
	if p.FieldMapping != nil {
		op.FieldMapping = *p.FieldMapping
	}
	if p.Filter != nil {
		op.Filter = *p.Filter
	}

	changed := false
	switch {
	case p.ClearSchedule:
		changed = op.Schedule != nil
		op.Schedule = nil
	case p.Schedule != nil:
		changed = !op.Schedule.Equal(p.Schedule)
		sched := *p.Schedule
		op.Schedule = &sched
	}
	return changed
}

// MutateOperation runs fn against the current operation inside a single
// transaction while holding the per-id lock, then persists the result with
// a bumped updatedAt.
func (s *SQLiteStore) MutateOperation(ctx context.Context, id string, fn MutateFunc) (*types.SyncOperation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}

	if err := fn(op); err != nil {
		return nil, err
	}
	op.ID = id
	op.UpdatedAt = s.clock()

	args, err := operationArgs(op)
	if err != nil {
		return nil, err
	}
	// args[0] is the id; move it to the WHERE clause.
	_, err = tx.ExecContext(ctx, `UPDATE sync_operations SET
		name = ?, description = ?, source_system = ?, target_system = ?, data_type = ?,
		fields = ?, field_mapping = ?, filter = ?, status = ?, schedule = ?, created_at = ?,
		updated_at = ?, last_run_at = ?, next_run_at = ?, total_records = ?,
		processed_records = ?, successful_records = ?, failed_records = ?, error_message = ?
		WHERE id = ?`, append(args[1:], id)...)
	if err != nil {
		return nil, fmt.Errorf("update operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return op, nil
}

// ListOperations returns one page ordered by updatedAt descending with the
// id as tie breaker so pages are deterministic.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter types.OperationFilter, page, limit int) (*types.OperationPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SourceSystem != "" {
		where = append(where, "source_system = ?")
		args = append(args, filter.SourceSystem)
	}
	if filter.TargetSystem != "" {
		where = append(where, "target_system = ?")
		args = append(args, filter.TargetSystem)
	}
	if filter.DataType != "" {
		where = append(where, "data_type = ?")
		args = append(args, filter.DataType)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_operations`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM sync_operations`+clause+`
		ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	items, err := collectOperations(rows)
	if err != nil {
		return nil, err
	}

	return &types.OperationPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// DeleteOperation removes an operation and, unless keepHistory is set, its
// history entries. A running operation is refused with ErrOperationBusy; the
// status is read under the same lock the executor takes to start a run.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string, keepHistory bool) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sync_operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if types.OperationStatus(status) == types.StatusRunning {
		return fmt.Errorf("%w: %s", ErrOperationBusy, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}

	if !keepHistory {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_history WHERE operation_id = ?`, id); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DueOperations returns dispatchable operations whose nextRunAt is not
// after now, oldest due first.
func (s *SQLiteStore) DueOperations(ctx context.Context, now time.Time) ([]types.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE status IN ('pending', 'scheduled') AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due operations: %w", err)
	}
	return collectOperations(rows)
}

// RunningOperations returns every operation currently marked running.
func (s *SQLiteStore) RunningOperations(ctx context.Context) ([]types.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE status = 'running' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query running operations: %w", err)
	}
	return collectOperations(rows)
}

// Stats returns counts for health reporting.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats := &types.StoreStats{ByStatus: make(map[types.OperationStatus]int64)}
	for _, st := range types.AllStatuses {
		stats.ByStatus[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		stats.ByStatus[types.OperationStatus(status)] = n
		stats.OperationCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_history`).Scan(&stats.HistoryCount); err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}
	return stats, nil
}

func collectOperations(rows *sql.Rows) ([]types.SyncOperation, error) {
	defer rows.Close()
	ops := []types.SyncOperation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ops, nil
}

func operationArgs(op *types.SyncOperation) ([]any, error) {
	fields, err := json.Marshal(op.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	mapping, err := json.Marshal(op.FieldMapping)
	if err != nil {
		return nil, fmt.Errorf("marshal field mapping: %w", err)
	}
	filter := []types.FilterCondition{}
	if op.Filter != nil {
		filter = op.Filter
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}
	var schedule sql.NullString
	if op.Schedule != nil {
		b, err := json.Marshal(op.Schedule)
		if err != nil {
			return nil, fmt.Errorf("marshal schedule: %w", err)
		}
		schedule = sql.NullString{String: string(b), Valid: true}
	}

	return []any{
		op.ID, op.Name, op.Description, op.SourceSystem, op.TargetSystem, op.DataType,
		string(fields), string(mapping), string(filterJSON), string(op.Status), schedule,
		formatTime(op.CreatedAt), formatTime(op.UpdatedAt),
		nullTime(op.LastRunAt), nullTime(op.NextRunAt),
		op.TotalRecords, op.ProcessedRecords, op.SuccessfulRecords, op.FailedRecords,
		op.ErrorMessage,
	}, nil
}

// scanOperation scans a row into a SyncOperation, decoding JSON columns.
func scanOperation(scanner interface{ Scan(...any) error }) (*types.SyncOperation, error) {
	var op types.SyncOperation
	var fields, mapping, filter, status string
	var schedule, lastRun, nextRun sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&op.ID, &op.Name, &op.Description, &op.SourceSystem, &op.TargetSystem, &op.DataType,
		&fields, &mapping, &filter, &status, &schedule, &createdAt, &updatedAt,
		&lastRun, &nextRun,
		&op.TotalRecords, &op.ProcessedRecords, &op.SuccessfulRecords, &op.FailedRecords,
		&op.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	op.Status = types.OperationStatus(status)

	if err := json.Unmarshal([]byte(fields), &op.Fields); err != nil {
		return nil, fmt.Errorf("parse fields JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(mapping), &op.FieldMapping); err != nil {
		return nil, fmt.Errorf("parse field mapping JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(filter), &op.Filter); err != nil {
		return nil, fmt.Errorf("parse filter JSON: %w", err)
	}
	if len(op.Filter) == 0 {
		op.Filter = nil
	}
	if schedule.Valid {
		op.Schedule = &types.Schedule{}
		if err := json.Unmarshal([]byte(schedule.String), op.Schedule); err != nil {
			return nil, fmt.Errorf("parse schedule JSON: %w", err)
		}
	}

	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if op.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if op.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	return &op, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
