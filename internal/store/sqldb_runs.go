package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const runColumns = `id, started_at, completed_at, status, trigger_kind,
	files_scanned, files_added, files_updated, files_skipped, files_failed,
	client_ref, source_uri, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (runRow, error) {
	var r runRow
	err := sc.Scan(&r.ID, &r.StartedAt, &r.CompletedAt, &r.Status, &r.Trigger,
		&r.Counters.Scanned, &r.Counters.Added, &r.Counters.Updated, &r.Counters.Skipped, &r.Counters.Failed,
		&r.ClientRef, &r.SourceURI, &r.Metadata)
	return r, err
}

func (s *SQLDB) InsertRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.New("insert run: empty id")
	}
	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "insert run",
		`INSERT INTO index_runs(`+runColumns+`) VALUES(`+placeholders(13)+`)`,
		r.ID, toMillis(r.StartedAt), nullMillis(r.CompletedAt), string(r.Status), string(r.Trigger),
		r.Counters.Scanned, r.Counters.Added, r.Counters.Updated, r.Counters.Skipped, r.Counters.Failed,
		nullString(r.ClientRef), r.SourceURI, md)
	return err
}

func (s *SQLDB) GetRun(ctx context.Context, id string) (Run, error) {
	row, err := scanRun(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+runColumns+` FROM index_runs WHERE id = ?`), id))
	if err != nil {
		return Run{}, s.dialect.Classify("get run", err)
	}
	r, err := row.toRun()
	if err != nil {
		return Run{}, err
	}
	errs, err := s.runErrors(ctx, []string{id})
	if err != nil {
		return Run{}, err
	}
	if e, ok := errs[id]; ok {
		r.Errors = e
	}
	return r, nil
}

func (s *SQLDB) AddRunCounters(ctx context.Context, id string, d Counters) (bool, error) {
	n, err := s.exec(ctx, "add run counters",
		`UPDATE index_runs SET
	files_scanned = files_scanned + ?,
	files_added = files_added + ?,
	files_updated = files_updated + ?,
	files_skipped = files_skipped + ?,
	files_failed = files_failed + ?
WHERE id = ? AND status = ?`,
		d.Scanned, d.Added, d.Updated, d.Skipped, d.Failed, id, string(StatusRunning))
	return n > 0, err
}

// AppendRunError inserts the error only while the parent run is running.
// Casts pin parameter types for backends that infer them from the SELECT.
func (s *SQLDB) AppendRunError(ctx context.Context, id string, e ErrorDetail) (bool, error) {
	n, err := s.exec(ctx, "append run error",
		`INSERT INTO index_run_errors(run_id, message, resource, occurred_at)
SELECT id, CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT) FROM index_runs WHERE id = ? AND status = ?`,
		e.Message, e.Resource, toMillis(e.Timestamp), id, string(StatusRunning))
	return n > 0, err
}

// CompleteRun closes a running run. The terminal status is derived from the
// counters in the same statement, so progress that lands before it is
// always counted: failed when aborted or when failures left nothing added
// or updated, partial when some files failed, success otherwise.
func (s *SQLDB) CompleteRun(ctx context.Context, id string, aborted bool, completedAt time.Time) (bool, error) {
	abort := 0
	if aborted {
		abort = 1
	}
	n, err := s.exec(ctx, "complete run",
		`UPDATE index_runs SET completed_at = ?, status = CASE
	WHEN CAST(? AS INTEGER) = 1 THEN CAST(? AS TEXT)
	WHEN files_failed > 0 AND files_added + files_updated = 0 THEN CAST(? AS TEXT)
	WHEN files_failed > 0 THEN CAST(? AS TEXT)
	ELSE CAST(? AS TEXT) END
WHERE id = ? AND status = ?`,
		toMillis(completedAt), abort,
		string(StatusFailed), string(StatusFailed), string(StatusPartial), string(StatusSuccess),
		id, string(StatusRunning))
	return n > 0, err
}

// ListRuns returns runs newest first.
func (s *SQLDB) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ClientRef != "" {
		where = append(where, "client_ref = ?")
		args = append(args, f.ClientRef)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, toMillis(f.Until))
	}
	q := `SELECT ` + runColumns + ` FROM index_runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.q(q), args...)
	if err != nil {
		return nil, s.dialect.Classify("list runs", err)
	}
	out := make([]Run, 0)
	ids := make([]string, 0)
	for rows.Next() {
		row, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, s.dialect.Classify("scan run", err)
		}
		r, err := row.toRun()
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, s.dialect.Classify("list runs", err)
	}
	_ = rows.Close()

	errs, err := s.runErrors(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if e, ok := errs[out[i].ID]; ok {
			out[i].Errors = e
		}
	}
	return out, nil
}

func (s *SQLDB) runErrors(ctx context.Context, ids []string) (map[string][]ErrorDetail, error) {
	out := make(map[string][]ErrorDetail)
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT run_id, message, resource, occurred_at FROM index_run_errors
WHERE run_id IN (`+placeholders(len(ids))+`) ORDER BY id`), args...)
	if err != nil {
		return nil, s.dialect.Classify("list run errors", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			runID, msg string
			resource   sql.NullString
			at         int64
		)
		if err := rows.Scan(&runID, &msg, &resource, &at); err != nil {
			return nil, s.dialect.Classify("scan run error", err)
		}
		out[runID] = append(out[runID], ErrorDetail{Message: msg, Resource: resource.String, Timestamp: fromMillis(at)})
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.Classify("list run errors", err)
	}
	return out, nil
}
