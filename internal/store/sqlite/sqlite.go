package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/indexkeeper/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	*store.SQLDB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS index_locks(
		resource_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		reason TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_index_locks_expires ON index_locks(expires_at);`,
	`CREATE TABLE IF NOT EXISTS index_runs(
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NULL,
		status TEXT NOT NULL CHECK (status IN ('running','success','partial','failed')),
		trigger_kind TEXT NOT NULL CHECK (trigger_kind IN ('manual','upload','cli','scheduled','api')),
		files_scanned INTEGER NOT NULL DEFAULT 0 CHECK (files_scanned >= 0),
		files_added INTEGER NOT NULL DEFAULT 0 CHECK (files_added >= 0),
		files_updated INTEGER NOT NULL DEFAULT 0 CHECK (files_updated >= 0),
		files_skipped INTEGER NOT NULL DEFAULT 0 CHECK (files_skipped >= 0),
		files_failed INTEGER NOT NULL DEFAULT 0 CHECK (files_failed >= 0),
		client_ref TEXT NULL,
		source_uri TEXT NOT NULL DEFAULT '',
		metadata TEXT NULL,
		CHECK ((status = 'running') = (completed_at IS NULL))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_index_runs_started ON index_runs(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_index_runs_status ON index_runs(status);`,
	`CREATE INDEX IF NOT EXISTS idx_index_runs_client ON index_runs(client_ref);`,
	`CREATE TABLE IF NOT EXISTS index_run_errors(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES index_runs(id) ON DELETE CASCADE,
		message TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		occurred_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_index_run_errors_run ON index_run_errors(run_id);`,
	`CREATE TABLE IF NOT EXISTS watched_folders(
		path TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		schedule TEXT NOT NULL,
		last_scanned_at INTEGER NULL,
		last_run_id TEXT NULL,
		client_ref TEXT NULL,
		metadata TEXT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS indexed_documents(
		resource_id TEXT PRIMARY KEY,
		folder_path TEXT NOT NULL,
		checksum TEXT NOT NULL,
		size INTEGER NOT NULL,
		indexed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_indexed_documents_folder ON indexed_documents(folder_path);`,
}

// Dialect returns the SQLite dialect used by DB.
func Dialect() store.Dialect {
	return store.Dialect{
		Name:        "sqlite",
		Schema:      schema,
		IsTransient: isTransient,
	}
}

// busy and locked mean another connection holds the write lock past the
// busy timeout; the statement can be retried later.
func isTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
		return true
	}
	return false
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	return NewWithConfig(store.Config{DSN: path})
}

// NewWithConfig opens a SQLite database using cfg.DSN as the path and
// applies the pool settings.
func NewWithConfig(cfg store.Config) (*DB, error) {
	p := strings.TrimSpace(cfg.DSN)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	memory := p == ":memory:" || strings.Contains(p, "mode=memory")
	if !memory {
		// pragmas in the DSN apply to every pooled connection
		p = withPragmas(p, "busy_timeout(5000)", "journal_mode(WAL)", "foreign_keys(1)")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if memory {
		// every connection to :memory: is a separate database
		d.SetMaxOpenConns(1)
		_, _ = d.Exec("PRAGMA busy_timeout=5000;")
		_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	} else {
		store.ApplyPool(d, cfg)
	}
	return &DB{SQLDB: store.NewSQL(d, Dialect())}, nil
}

func withPragmas(path string, pragmas ...string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, pr := range pragmas {
		name := pr[:strings.IndexByte(pr, '(')]
		if strings.Contains(path, "_pragma="+name) {
			continue
		}
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(pr)
		sep = "&"
	}
	return b.String()
}
