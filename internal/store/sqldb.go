package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLDB implements Store on top of database/sql. The sqlite and postgres
// packages open the connection and supply their Dialect.
type SQLDB struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an open *sql.DB.
func NewSQL(db *sql.DB, d Dialect) *SQLDB {
	return &SQLDB{db: db, dialect: d}
}

// ApplyPool applies connection pool settings from cfg.
func ApplyPool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
}

func (s *SQLDB) DB() *sql.DB { return s.db }

func (s *SQLDB) Dialect() Dialect { return s.dialect }

func (s *SQLDB) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLDB) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, s.dialect.Classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.dialect.Classify(op, err)
	}
	return n, nil
}

func (s *SQLDB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.dialect.Classify("ensure schema", err)
		}
	}
	return nil
}

func (s *SQLDB) Ping(ctx context.Context) error {
	return s.dialect.Classify("ping", s.db.PingContext(ctx))
}

func (s *SQLDB) Close() error { return s.db.Close() }

// ---- locks ----

const lockColumns = `resource_id, holder, reason, acquired_at, expires_at`

// acquireLockSQL inserts a lock or takes over a row that has expired or is
// already ours. A holder re-acquiring its own live lock keeps acquired_at.
const acquireLockSQL = `INSERT INTO index_locks(` + lockColumns + `) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(resource_id) DO UPDATE SET
	holder = excluded.holder,
	reason = excluded.reason,
	acquired_at = CASE WHEN index_locks.holder = excluded.holder AND index_locks.expires_at > ?
		THEN index_locks.acquired_at ELSE excluded.acquired_at END,
	expires_at = excluded.expires_at
WHERE index_locks.expires_at <= ? OR index_locks.holder = excluded.holder`

func (s *SQLDB) AcquireLock(ctx context.Context, l Lock, now time.Time) (bool, error) {
	nowMs := toMillis(now)
	n, err := s.exec(ctx, "acquire lock", acquireLockSQL,
		l.ResourceID, l.Holder, l.Reason, toMillis(l.AcquiredAt), toMillis(l.ExpiresAt),
		nowMs, nowMs)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLDB) GetLock(ctx context.Context, resourceID string) (Lock, error) {
	var r lockRow
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+lockColumns+` FROM index_locks WHERE resource_id = ?`), resourceID).
		Scan(&r.ResourceID, &r.Holder, &r.Reason, &r.AcquiredAt, &r.ExpiresAt)
	if err != nil {
		return Lock{}, s.dialect.Classify("get lock", err)
	}
	return r.toLock(), nil
}

func (s *SQLDB) ReleaseLock(ctx context.Context, resourceID, holder string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, "release lock",
		`DELETE FROM index_locks WHERE resource_id = ? AND holder = ? AND expires_at > ?`,
		resourceID, holder, toMillis(now))
	return n > 0, err
}

func (s *SQLDB) ForceReleaseLock(ctx context.Context, resourceID string) (bool, error) {
	n, err := s.exec(ctx, "force release lock",
		`DELETE FROM index_locks WHERE resource_id = ?`, resourceID)
	return n > 0, err
}

func (s *SQLDB) RenewLock(ctx context.Context, resourceID, holder string, expiresAt, now time.Time) (bool, error) {
	n, err := s.exec(ctx, "renew lock",
		`UPDATE index_locks SET expires_at = ? WHERE resource_id = ? AND holder = ? AND expires_at > ?`,
		toMillis(expiresAt), resourceID, holder, toMillis(now))
	return n > 0, err
}

func (s *SQLDB) PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, "purge expired locks",
		`DELETE FROM index_locks WHERE expires_at <= ?`, toMillis(now))
}

func (s *SQLDB) ActiveLocks(ctx context.Context, now time.Time) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+lockColumns+` FROM index_locks WHERE expires_at > ? ORDER BY acquired_at, resource_id`),
		toMillis(now))
	if err != nil {
		return nil, s.dialect.Classify("list locks", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]Lock, 0)
	for rows.Next() {
		var r lockRow
		if err := rows.Scan(&r.ResourceID, &r.Holder, &r.Reason, &r.AcquiredAt, &r.ExpiresAt); err != nil {
			return nil, s.dialect.Classify("scan lock", err)
		}
		out = append(out, r.toLock())
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.Classify("list locks", err)
	}
	return out, nil
}

// ---- documents ----

func (s *SQLDB) DocumentChecksums(ctx context.Context, folderPath string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT resource_id, checksum FROM indexed_documents WHERE folder_path = ?`), folderPath)
	if err != nil {
		return nil, s.dialect.Classify("list documents", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, s.dialect.Classify("scan document", err)
		}
		out[id] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.Classify("list documents", err)
	}
	return out, nil
}

func (s *SQLDB) UpsertDocument(ctx context.Context, d Document) error {
	if d.ResourceID == "" {
		return fmt.Errorf("upsert document: empty resource id")
	}
	_, err := s.exec(ctx, "upsert document",
		`INSERT INTO indexed_documents(resource_id, folder_path, checksum, size, indexed_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(resource_id) DO UPDATE SET
	folder_path = excluded.folder_path,
	checksum = excluded.checksum,
	size = excluded.size,
	indexed_at = excluded.indexed_at`,
		d.ResourceID, d.FolderPath, d.Checksum, d.Size, toMillis(d.IndexedAt))
	return err
}

func (s *SQLDB) DeleteDocument(ctx context.Context, resourceID string) error {
	_, err := s.exec(ctx, "delete document",
		`DELETE FROM indexed_documents WHERE resource_id = ?`, resourceID)
	return err
}
