package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := openRawDB(t)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	_, err := db.Exec(`SELECT ` + operationColumns + ` FROM sync_operations LIMIT 0`)
	if err != nil {
		t.Fatalf("sync_operations missing required columns: %v", err)
	}
	_, err = db.Exec(`SELECT ` + historySelect + ` FROM sync_history LIMIT 0`)
	if err != nil {
		t.Fatalf("sync_history missing required columns: %v", err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := openRawDB(t)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}

	v, err := SchemaVersion(db)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}
}

func TestSchema_Indexes(t *testing.T) {
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	expectedIndexes := []string{
		"idx_sync_operations_due",
		"idx_sync_operations_updated",
		"idx_sync_history_operation",
		"idx_sync_history_ended",
		"idx_sync_history_finalized",
	}
	for _, idx := range expectedIndexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

func TestWALMode_Enabled(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode 'wal', got %q", journalMode)
	}
}

// Entries finalized before the sequence existed are numbered in end order.
func TestMigrations_BackfillsFinalizedSequence(t *testing.T) {
	db := openRawDB(t)
	if err := prepareGoose(); err != nil {
		t.Fatal(err)
	}
	if err := goose.UpTo(db, ".", 1); err != nil {
		t.Fatalf("migrate to version 1: %v", err)
	}
	_, err := db.Exec(`INSERT INTO sync_history (id, operation_id, run_trigger, started_at, ended_at, status) VALUES
		('b', 'op-1', 'manual', '2025-04-01T00:00:00.000000000Z', '2025-04-01T02:00:00.000000000Z', 'completed'),
		('a', 'op-1', 'manual', '2025-04-02T00:00:00.000000000Z', '2025-04-02T02:00:00.000000000Z', 'failed'),
		('c', 'op-1', 'manual', '2025-04-03T00:00:00.000000000Z', NULL, 'running')`)
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	want := map[string]sql.NullInt64{
		"b": {Int64: 1, Valid: true},
		"a": {Int64: 2, Valid: true},
		"c": {},
	}
	for id, w := range want {
		var got sql.NullInt64
		if err := db.QueryRow(`SELECT finalized_seq FROM sync_history WHERE id = ?`, id).Scan(&got); err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Errorf("entry %s: finalized_seq = %+v, want %+v", id, got, w)
		}
	}
	var next int64
	if err := db.QueryRow(`SELECT value FROM history_sequence WHERE id = 1`).Scan(&next); err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Errorf("history_sequence = %d, want 2", next)
	}
}
