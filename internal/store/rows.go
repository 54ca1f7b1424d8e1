package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamps are persisted as unix milliseconds so that expiry comparisons
// are plain integer comparisons on every backend.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(n sql.NullString) (map[string]string, error) {
	if !n.Valid || n.String == "" {
		return map[string]string{}, nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(n.String), &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptRow, err)
	}
	return m, nil
}

type lockRow struct {
	ResourceID string
	Holder     string
	Reason     string
	AcquiredAt int64
	ExpiresAt  int64
}

func (r lockRow) toLock() Lock {
	return Lock{
		ResourceID: r.ResourceID,
		Holder:     r.Holder,
		Reason:     r.Reason,
		AcquiredAt: fromMillis(r.AcquiredAt),
		ExpiresAt:  fromMillis(r.ExpiresAt),
	}
}

type runRow struct {
	ID          string
	StartedAt   int64
	CompletedAt sql.NullInt64
	Status      string
	Trigger     string
	Counters    Counters
	ClientRef   sql.NullString
	SourceURI   string
	Metadata    sql.NullString
}

// toRun maps a persisted row onto a Run. A NULL completion time requires a
// running status and vice versa; anything else is reported as ErrCorruptRow.
func (r runRow) toRun() (Run, error) {
	st, err := ParseStatus(r.Status)
	if err != nil {
		return Run{}, fmt.Errorf("%w: run %s: %v", ErrCorruptRow, r.ID, err)
	}
	tr, err := ParseTrigger(r.Trigger)
	if err != nil {
		return Run{}, fmt.Errorf("%w: run %s: %v", ErrCorruptRow, r.ID, err)
	}
	if r.CompletedAt.Valid == (st == StatusRunning) {
		return Run{}, fmt.Errorf("%w: run %s: status %s with completed_at valid=%t", ErrCorruptRow, r.ID, st, r.CompletedAt.Valid)
	}
	if r.Counters.Negative() {
		return Run{}, fmt.Errorf("%w: run %s: negative counters %+v", ErrCorruptRow, r.ID, r.Counters)
	}
	md, err := decodeMetadata(r.Metadata)
	if err != nil {
		return Run{}, err
	}
	return Run{
		ID:          r.ID,
		StartedAt:   fromMillis(r.StartedAt),
		CompletedAt: timePtr(r.CompletedAt),
		Status:      st,
		Trigger:     tr,
		Counters:    r.Counters,
		Errors:      []ErrorDetail{},
		ClientRef:   r.ClientRef.String,
		SourceURI:   r.SourceURI,
		Metadata:    md,
	}, nil
}

type folderRow struct {
	Path          string
	Enabled       bool
	Schedule      string
	LastScannedAt sql.NullInt64
	LastRunID     sql.NullString
	ClientRef     sql.NullString
	Metadata      sql.NullString
	CreatedAt     int64
	UpdatedAt     int64
}

func (r folderRow) toFolder() (WatchedFolder, error) {
	md, err := decodeMetadata(r.Metadata)
	if err != nil {
		return WatchedFolder{}, err
	}
	return WatchedFolder{
		Path:          r.Path,
		Enabled:       r.Enabled,
		Schedule:      r.Schedule,
		LastScannedAt: timePtr(r.LastScannedAt),
		LastRunID:     r.LastRunID.String,
		ClientRef:     r.ClientRef.String,
		Metadata:      md,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}, nil
}
