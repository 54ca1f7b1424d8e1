package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/indexkeeper/internal/store"
	"github.com/loykin/indexkeeper/internal/store/storetest"
)

func openSchema(t *testing.T, path string) *DB {
	t.Helper()
	db, err := New(path)
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSQLiteStoreMemory(t *testing.T) {
	storetest.Run(t, openSchema(t, ":memory:"))
}

func TestSQLiteStoreFile(t *testing.T) {
	db := openSchema(t, filepath.Join(t.TempDir(), "index.db"))
	storetest.Run(t, db)
}

func TestSQLiteEnsureSchemaIdempotent(t *testing.T) {
	db := openSchema(t, ":memory:")
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure schema: %v", err)
	}
}

func TestSQLiteCorruptRunRow(t *testing.T) {
	db := openSchema(t, ":memory:")
	ctx := context.Background()
	// bypass the CHECK constraint by writing a row the schema would reject
	if _, err := db.DB().ExecContext(ctx, `PRAGMA ignore_check_constraints=ON`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := db.DB().ExecContext(ctx,
		`INSERT INTO index_runs(id, started_at, completed_at, status, trigger_kind) VALUES('bad', 1, 2, 'running', 'api')`); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	if _, err := db.GetRun(ctx, "bad"); !errors.Is(err, store.ErrCorruptRow) {
		t.Fatalf("expected ErrCorruptRow, got %v", err)
	}
}

func TestSQLiteClosedIsTransient(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	_ = db.Close()
	if _, err := db.GetRun(context.Background(), "x"); !errors.Is(err, store.ErrTransientStorage) {
		t.Fatalf("expected ErrTransientStorage, got %v", err)
	}
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestWithPragmas(t *testing.T) {
	got := withPragmas("/tmp/a.db?_pragma=busy_timeout(10)", "busy_timeout(5000)", "journal_mode(WAL)")
	want := "/tmp/a.db?_pragma=busy_timeout(10)&_pragma=journal_mode(WAL)"
	if got != want {
		t.Fatalf("withPragmas = %q, want %q", got, want)
	}
}
