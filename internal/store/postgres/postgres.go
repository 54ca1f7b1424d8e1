package postgres

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/indexkeeper/internal/store"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*store.SQLDB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS index_locks(
		resource_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		reason TEXT NOT NULL,
		acquired_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_index_locks_expires ON index_locks(expires_at);`,
	`CREATE TABLE IF NOT EXISTS index_runs(
		id TEXT PRIMARY KEY,
		started_at BIGINT NOT NULL,
		completed_at BIGINT NULL,
		status TEXT NOT NULL CHECK (status IN ('running','success','partial','failed')),
		trigger_kind TEXT NOT NULL CHECK (trigger_kind IN ('manual','upload','cli','scheduled','api')),
		files_scanned BIGINT NOT NULL DEFAULT 0 CHECK (files_scanned >= 0),
		files_added BIGINT NOT NULL DEFAULT 0 CHECK (files_added >= 0),
		files_updated BIGINT NOT NULL DEFAULT 0 CHECK (files_updated >= 0),
		files_skipped BIGINT NOT NULL DEFAULT 0 CHECK (files_skipped >= 0),
		files_failed BIGINT NOT NULL DEFAULT 0 CHECK (files_failed >= 0),
		client_ref TEXT NULL,
		source_uri TEXT NOT NULL DEFAULT '',
		metadata TEXT NULL,
		CHECK ((status = 'running') = (completed_at IS NULL))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_index_runs_started ON index_runs(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_index_runs_status ON index_runs(status);`,
	`CREATE INDEX IF NOT EXISTS idx_index_runs_client ON index_runs(client_ref);`,
	`CREATE TABLE IF NOT EXISTS index_run_errors(
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES index_runs(id) ON DELETE CASCADE,
		message TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		occurred_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_index_run_errors_run ON index_run_errors(run_id);`,
	`CREATE TABLE IF NOT EXISTS watched_folders(
		path TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		schedule TEXT NOT NULL,
		last_scanned_at BIGINT NULL,
		last_run_id TEXT NULL,
		client_ref TEXT NULL,
		metadata TEXT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS indexed_documents(
		resource_id TEXT PRIMARY KEY,
		folder_path TEXT NOT NULL,
		checksum TEXT NOT NULL,
		size BIGINT NOT NULL,
		indexed_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_indexed_documents_folder ON indexed_documents(folder_path);`,
}

// Dialect returns the PostgreSQL dialect used by DB.
func Dialect() store.Dialect {
	return store.Dialect{
		Name:        "postgres",
		Schema:      schema,
		Numbered:    true,
		IsTransient: isTransient,
	}
}

func isTransient(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		// class 08 connection exception, 53 insufficient resources,
		// 57P0x operator intervention, 40001/40P01 serialization and deadlock
		switch {
		case strings.HasPrefix(pe.Code, "08"), strings.HasPrefix(pe.Code, "53"), strings.HasPrefix(pe.Code, "57P0"):
			return true
		case pe.Code == "40001" || pe.Code == "40P01":
			return true
		}
		return false
	}
	var ce *pgconn.ConnectError
	return errors.As(err, &ce)
}

// New opens a PostgreSQL database. No connection is made until first use.
func New(dsn string) (*DB, error) {
	return NewWithConfig(store.Config{DSN: dsn})
}

func NewWithConfig(cfg store.Config) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store.ApplyPool(d, cfg)
	return &DB{SQLDB: store.NewSQL(d, Dialect())}, nil
}
