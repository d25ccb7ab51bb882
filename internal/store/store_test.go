package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/syncbox/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "syncbox.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	s, _ := openTestStore(t)
	db := s.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "outbox", "outbox_dead", "entities", "cache_entries", "kv_store"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	s, _ := openTestStore(t)

	var version int
	var checksum string
	if err := s.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "syncbox.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = store.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenFailureIsStorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	// A directory where the db file should be makes sqlite fail on first use.
	dbPath := filepath.Join(dir, "occupied")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := store.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected open error")
	}
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestStore_CorruptLedgerIsStorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "syncbox.db")

	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = s.Close()

	_, err = store.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected open error for a tampered migration ledger")
	}
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "syncbox.db")
	ctx := context.Background()

	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec, err := s.EnqueueOutbox(ctx, "sync-new-transactions", "/api/transactions/add", "POST",
		map[string]string{"X-CSRF-Token": "abc"}, []byte(`{"amount":120}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Same profile, next session: the record must still be there.
	s2, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	records, err := s2.ListOutbox(ctx, "")
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(records))
	}
	if records[0].ID != rec.ID {
		t.Fatalf("record id = %q, want %q", records[0].ID, rec.ID)
	}
	if records[0].Headers["X-CSRF-Token"] != "abc" {
		t.Fatalf("captured token lost across reopen: %v", records[0].Headers)
	}
}

func TestStore_KV(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetKV(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing kv: %v", err)
	}
	if got != "" {
		t.Fatalf("missing key = %q, want empty", got)
	}

	if err := s.SetKV(ctx, "static_generation", "static-v2"); err != nil {
		t.Fatalf("set kv: %v", err)
	}
	if err := s.SetKV(ctx, "static_generation", "static-v3"); err != nil {
		t.Fatalf("overwrite kv: %v", err)
	}
	got, err = s.GetKV(ctx, "static_generation")
	if err != nil {
		t.Fatalf("get kv: %v", err)
	}
	if got != "static-v3" {
		t.Fatalf("kv = %q, want static-v3", got)
	}
}
