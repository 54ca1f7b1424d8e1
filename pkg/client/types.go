package client

import "time"

// Lock is an active resource lock.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Remaining  string    `json:"remaining"`
}

// Counters are the per-run file tallies.
type Counters struct {
	Scanned int64 `json:"files_scanned"`
	Added   int64 `json:"files_added"`
	Updated int64 `json:"files_updated"`
	Skipped int64 `json:"files_skipped"`
	Failed  int64 `json:"files_failed"`
}

// ErrorDetail is one entry of a run's error list.
type ErrorDetail struct {
	Message   string    `json:"message"`
	Resource  string    `json:"resource,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is an indexing run record.
type Run struct {
	ID          string            `json:"id"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Status      string            `json:"status"`
	Trigger     string            `json:"trigger"`
	Counters    Counters          `json:"counters"`
	Errors      []ErrorDetail     `json:"errors"`
	ClientRef   string            `json:"client_ref,omitempty"`
	SourceURI   string            `json:"source_uri"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RunQuery filters ListRuns. Zero values are omitted.
type RunQuery struct {
	Status string
	Client string
	Since  time.Time
	Until  time.Time
	Offset int
	Limit  int
}

// Folder is a watched folder.
type Folder struct {
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

// AddFolderRequest registers a new watched folder.
type AddFolderRequest struct {
	Path      string            `json:"path"`
	Schedule  string            `json:"schedule"`
	Enabled   *bool             `json:"enabled,omitempty"`
	ClientRef string            `json:"client_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScanResult is the outcome of a folder scan.
type ScanResult struct {
	Path       string    `json:"path"`
	Trigger    string    `json:"trigger"`
	RunID      string    `json:"run_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Counters   Counters  `json:"counters"`
	Skipped    bool      `json:"skipped,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	LockedBy   string    `json:"locked_by,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FolderState is a folder as seen by the scheduler.
type FolderState struct {
	Path          string      `json:"path"`
	Enabled       bool        `json:"enabled"`
	Schedule      string      `json:"schedule"`
	State         string      `json:"state"`
	LastScannedAt *time.Time  `json:"last_scanned_at,omitempty"`
	LastRunID     string      `json:"last_run_id,omitempty"`
	NextRun       *time.Time  `json:"next_run,omitempty"`
	LastResult    *ScanResult `json:"last_result,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// SchedulerStatus is the scheduler snapshot.
type SchedulerStatus struct {
	Running  bool          `json:"running"`
	Holder   string        `json:"holder"`
	LastTick *time.Time    `json:"last_tick,omitempty"`
	Folders  []FolderState `json:"folders"`
}

// DaemonStatus is returned by /status.
type DaemonStatus struct {
	ClientID         string    `json:"client_id"`
	Hostname         string    `json:"hostname"`
	PID              int       `json:"pid"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	SchedulerRunning bool      `json:"scheduler_running"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
