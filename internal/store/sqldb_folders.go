package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const folderColumns = `path, enabled, schedule, last_scanned_at, last_run_id, client_ref, metadata, created_at, updated_at`

func scanFolder(sc rowScanner) (folderRow, error) {
	var r folderRow
	err := sc.Scan(&r.Path, &r.Enabled, &r.Schedule, &r.LastScannedAt, &r.LastRunID,
		&r.ClientRef, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func folderArgs(f WatchedFolder) ([]any, error) {
	if f.Path == "" {
		return nil, errors.New("folder: empty path")
	}
	md, err := encodeMetadata(f.Metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	created := f.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := f.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	return []any{
		f.Path, f.Enabled, f.Schedule, nullMillis(f.LastScannedAt), nullString(f.LastRunID),
		nullString(f.ClientRef), md, toMillis(created), toMillis(updated),
	}, nil
}

func (s *SQLDB) CreateFolder(ctx context.Context, f WatchedFolder) error {
	args, err := folderArgs(f)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, "create folder",
		`INSERT INTO watched_folders(`+folderColumns+`) VALUES(`+placeholders(9)+`)
ON CONFLICT(path) DO NOTHING`, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("create folder %s: %w", f.Path, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLDB) UpsertFolder(ctx context.Context, f WatchedFolder) error {
	args, err := folderArgs(f)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "upsert folder",
		`INSERT INTO watched_folders(`+folderColumns+`) VALUES(`+placeholders(9)+`)
ON CONFLICT(path) DO UPDATE SET
	enabled = excluded.enabled,
	schedule = excluded.schedule,
	client_ref = excluded.client_ref,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`, args...)
	return err
}

func (s *SQLDB) GetFolder(ctx context.Context, path string) (WatchedFolder, error) {
	row, err := scanFolder(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+folderColumns+` FROM watched_folders WHERE path = ?`), path))
	if err != nil {
		return WatchedFolder{}, s.dialect.Classify("get folder", err)
	}
	return row.toFolder()
}

func (s *SQLDB) ListFolders(ctx context.Context) ([]WatchedFolder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+folderColumns+` FROM watched_folders ORDER BY path`))
	if err != nil {
		return nil, s.dialect.Classify("list folders", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]WatchedFolder, 0)
	for rows.Next() {
		row, err := scanFolder(rows)
		if err != nil {
			return nil, s.dialect.Classify("scan folder", err)
		}
		f, err := row.toFolder()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.Classify("list folders", err)
	}
	return out, nil
}

func (s *SQLDB) SetFolderEnabled(ctx context.Context, path string, enabled bool) error {
	n, err := s.exec(ctx, "set folder enabled",
		`UPDATE watched_folders SET enabled = ?, updated_at = ? WHERE path = ?`,
		enabled, toMillis(time.Now()), path)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("folder %s: %w", path, ErrNotFound)
	}
	return nil
}

func (s *SQLDB) DeleteFolder(ctx context.Context, path string) error {
	n, err := s.exec(ctx, "delete folder", `DELETE FROM watched_folders WHERE path = ?`, path)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("folder %s: %w", path, ErrNotFound)
	}
	return nil
}

func (s *SQLDB) MarkFolderScanned(ctx context.Context, path string, at time.Time, runID string) error {
	n, err := s.exec(ctx, "mark folder scanned",
		`UPDATE watched_folders SET last_scanned_at = ?, last_run_id = ?, updated_at = ? WHERE path = ?`,
		toMillis(at), nullString(runID), toMillis(time.Now()), path)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("folder %s: %w", path, ErrNotFound)
	}
	return nil
}
