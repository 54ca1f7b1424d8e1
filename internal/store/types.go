package store

import (
	"fmt"
	"time"
)

// Config represents connection settings for a store.
type Config struct {
	DSN string `toml:"dsn" mapstructure:"dsn" json:"dsn"`

	// Connection pooling
	MaxOpenConns int           `toml:"max_open_conns,omitempty" mapstructure:"max_open_conns" json:"max_open_conns,omitempty"`
	MaxIdleConns int           `toml:"max_idle_conns,omitempty" mapstructure:"max_idle_conns" json:"max_idle_conns,omitempty"`
	ConnMaxAge   time.Duration `toml:"conn_max_age,omitempty" mapstructure:"conn_max_age" json:"conn_max_age,omitempty"`
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusFailed
}

// ParseStatus validates a status string read from storage or user input.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusRunning, StatusSuccess, StatusPartial, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// Trigger is what initiated a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerUpload    Trigger = "upload"
	TriggerCLI       Trigger = "cli"
	TriggerScheduled Trigger = "scheduled"
	TriggerAPI       Trigger = "api"
)

// ParseTrigger validates a trigger kind.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case TriggerManual, TriggerUpload, TriggerCLI, TriggerScheduled, TriggerAPI:
		return Trigger(s), nil
	}
	return "", fmt.Errorf("unknown trigger kind %q", s)
}

// Lock is an exclusive claim on one resource while it is being indexed.
// At most one row exists per ResourceID; a row whose ExpiresAt has passed
// is free to be replaced by any acquirer.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock is no longer live at now.
func (l Lock) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

// Remaining returns the time left before expiry, never negative.
func (l Lock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Counters are the per-run file tallies.
type Counters struct {
	Scanned int64 `json:"files_scanned"`
	Added   int64 `json:"files_added"`
	Updated int64 `json:"files_updated"`
	Skipped int64 `json:"files_skipped"`
	Failed  int64 `json:"files_failed"`
}

// Add returns the element-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Scanned: c.Scanned + d.Scanned,
		Added:   c.Added + d.Added,
		Updated: c.Updated + d.Updated,
		Skipped: c.Skipped + d.Skipped,
		Failed:  c.Failed + d.Failed,
	}
}

// Negative reports whether any counter is below zero.
func (c Counters) Negative() bool {
	return c.Scanned < 0 || c.Added < 0 || c.Updated < 0 || c.Skipped < 0 || c.Failed < 0
}

// IsZero reports whether all counters are zero.
func (c Counters) IsZero() bool { return c == Counters{} }

// Succeeded is the number of files that made it into the index.
func (c Counters) Succeeded() int64 { return c.Added + c.Updated }

// ErrorDetail is one entry of a run's error list.
type ErrorDetail struct {
	Message   string    `json:"message"`
	Resource  string    `json:"resource,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is the lifecycle record of a single indexing operation.
type Run struct {
	ID          string            `json:"id"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Status      Status            `json:"status"`
	Trigger     Trigger           `json:"trigger"`
	Counters    Counters          `json:"counters"`
	Errors      []ErrorDetail     `json:"errors"`
	ClientRef   string            `json:"client_ref,omitempty"`
	SourceURI   string            `json:"source_uri"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// WatchedFolder is configuration plus scheduler state for one folder.
type WatchedFolder struct {
	Path          string            `json:"path"`
	Enabled       bool              `json:"enabled"`
	Schedule      string            `json:"schedule"`
	LastScannedAt *time.Time        `json:"last_scanned_at,omitempty"`
	LastRunID     string            `json:"last_run_id,omitempty"`
	ClientRef     string            `json:"client_ref,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Document is the index entry the default scanner keeps per file.
type Document struct {
	ResourceID string    `json:"resource_id"`
	FolderPath string    `json:"folder_path"`
	Checksum   string    `json:"checksum"`
	Size       int64     `json:"size"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// RunFilter narrows ListRuns. Zero values mean "no constraint".
type RunFilter struct {
	Status    Status
	ClientRef string
	Since     time.Time
	Until     time.Time
	Offset    int
	Limit     int
}

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50
