package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrTransientStorage marks failures of the backing database itself
	// (unreachable, closed, busy). Callers retry on their next cycle.
	ErrTransientStorage = errors.New("transient storage error")
	// ErrCorruptRow marks a persisted row that violates record invariants,
	// e.g. a running run with a completion time.
	ErrCorruptRow = errors.New("corrupt row")
)

// LockStore persists resource locks. Every mutating call is a single
// conditional statement so that concurrent clients never interleave a
// read and a write.
type LockStore interface {
	// AcquireLock inserts l, replacing an existing row only when it has
	// expired at now or is already held by l.Holder. It reports whether
	// the caller now holds the lock.
	AcquireLock(ctx context.Context, l Lock, now time.Time) (bool, error)
	// GetLock returns the current row for resourceID, expired or not.
	GetLock(ctx context.Context, resourceID string) (Lock, error)
	// ReleaseLock deletes the row if it is live and held by holder.
	ReleaseLock(ctx context.Context, resourceID, holder string, now time.Time) (bool, error)
	// ForceReleaseLock deletes the row regardless of holder.
	ForceReleaseLock(ctx context.Context, resourceID string) (bool, error)
	// RenewLock moves expires_at if the row is live and held by holder.
	RenewLock(ctx context.Context, resourceID, holder string, expiresAt, now time.Time) (bool, error)
	// PurgeExpiredLocks deletes rows whose expiry is at or before now.
	PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	// ActiveLocks lists rows still live at now.
	ActiveLocks(ctx context.Context, now time.Time) ([]Lock, error)
}

// RunStore persists run records. Mutations apply only while the run is
// still running; the boolean result is false otherwise.
type RunStore interface {
	InsertRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	AddRunCounters(ctx context.Context, id string, delta Counters) (bool, error)
	AppendRunError(ctx context.Context, id string, e ErrorDetail) (bool, error)
	// CompleteRun sets the terminal status from the stored counters;
	// aborted forces failed.
	CompleteRun(ctx context.Context, id string, aborted bool, completedAt time.Time) (bool, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
}

// FolderStore persists watched folders.
type FolderStore interface {
	CreateFolder(ctx context.Context, f WatchedFolder) error
	// UpsertFolder creates or updates configuration fields, keeping
	// last_scanned_at and last_run_id untouched.
	UpsertFolder(ctx context.Context, f WatchedFolder) error
	GetFolder(ctx context.Context, path string) (WatchedFolder, error)
	ListFolders(ctx context.Context) ([]WatchedFolder, error)
	SetFolderEnabled(ctx context.Context, path string, enabled bool) error
	DeleteFolder(ctx context.Context, path string) error
	MarkFolderScanned(ctx context.Context, path string, at time.Time, runID string) error
}

// DocumentStore persists the per-file index entries.
type DocumentStore interface {
	DocumentChecksums(ctx context.Context, folderPath string) (map[string]string, error)
	UpsertDocument(ctx context.Context, d Document) error
	DeleteDocument(ctx context.Context, resourceID string) error
}

// Store is the persistence collaborator used by the coordination core.
type Store interface {
	LockStore
	RunStore
	FolderStore
	DocumentStore

	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
