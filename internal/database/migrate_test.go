package database

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"testing/fstest"
)

func TestApplyMigrationsCreatesSyncTables(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	_, currentFile, _, _ := runtime.Caller(0)
	migrationsPath := filepath.Join(filepath.Dir(currentFile), "..", "..", "migrations")
	if err := ApplyMigrations(db, migrationsPath); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(db, migrationsPath); err != nil {
		t.Fatalf("re-apply migrations should be a no-op: %v", err)
	}

	for _, table := range []string{"library_entries", "library_update_state", "library_update_events", "library_update_feed_state"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestApplyMigrationsFSRunsInOrderAndSkipsApplied(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"0002_b.sql":   {Data: []byte(`INSERT INTO items(name) VALUES ('second');`)},
		"0001_a.sql":   {Data: []byte(`CREATE TABLE items (name TEXT NOT NULL);`)},
		"README.md":    {Data: []byte(`ignored`)},
		"nested/x.sql": {Data: []byte(`SELECT broken`)},
	}

	ctx := context.Background()
	if err := ApplyMigrationsFS(ctx, db, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrationsFS(ctx, db, migrations); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(1) FROM items`).Scan(&count); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected second migration to run exactly once, got %d rows", count)
	}
}
