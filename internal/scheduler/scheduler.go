// Package scheduler scans watched folders on their cron schedules.
//
// Every tick lists the watched folders and dispatches the due ones in the
// background, bounded by MaxConcurrentScans. A dispatch takes the folder
// lock, opens a run, scans, completes the run and releases the lock. A
// folder locked by another client is skipped without creating a run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/indexkeeper/internal/cron"
	"github.com/loykin/indexkeeper/internal/lock"
	"github.com/loykin/indexkeeper/internal/metrics"
	"github.com/loykin/indexkeeper/internal/run"
	"github.com/loykin/indexkeeper/internal/scan"
	"github.com/loykin/indexkeeper/internal/store"
)

const (
	DefaultTickInterval  = time.Minute
	DefaultMaxConcurrent = 4
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrFolderBusy is returned by TriggerNow when this process is already
	// scanning the folder.
	ErrFolderBusy = errors.New("folder scan already in progress")
)

// State is the per-folder dispatch state.
type State string

const (
	Idle    State = "idle"
	Due     State = "due"
	Running State = "running"
)

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	// Holder identifies this client in lock rows and runs.
	Holder             string
	TickInterval       time.Duration
	LockTTL            time.Duration
	MaxConcurrentScans int
}

// Result is the outcome of one folder dispatch.
type Result struct {
	Path       string         `json:"path"`
	Trigger    store.Trigger  `json:"trigger"`
	RunID      string         `json:"run_id,omitempty"`
	Status     store.Status   `json:"status,omitempty"`
	Counters   store.Counters `json:"counters"`
	Skipped    bool           `json:"skipped,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	LockedBy   string         `json:"locked_by,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// FolderState is a folder as seen by the scheduler.
type FolderState struct {
	Path          string     `json:"path"`
	Enabled       bool       `json:"enabled"`
	Schedule      string     `json:"schedule"`
	State         State      `json:"state"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastResult    *Result    `json:"last_result,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running  bool          `json:"running"`
	Holder   string        `json:"holder"`
	LastTick *time.Time    `json:"last_tick,omitempty"`
	Folders  []FolderState `json:"folders"`
}

type Scheduler struct {
	folders store.FolderStore
	locks   *lock.Manager
	runs    *run.Tracker
	scanner scan.Scanner
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastTick *time.Time
	inflight map[string]struct{}
	results  map[string]Result
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(folders store.FolderStore, locks *lock.Manager, runs *run.Tracker, sc scan.Scanner, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Holder == "" {
		return nil, errors.New("scheduler: holder is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = locks.DefaultTTL()
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = DefaultMaxConcurrent
	}
	s := &Scheduler{
		folders:  folders,
		locks:    locks,
		runs:     runs,
		scanner:  sc,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		results:  make(map[string]Result),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// FolderResourceID returns the lock identity of a folder.
func FolderResourceID(path string) string { return "folder://" + path }

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Start begins ticking until Stop is called or ctx is done. Scans run on
// ctx, so cancelling it aborts in-flight scans while Stop lets them finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, ctx, s.done)
	s.logger.Info("scheduler started", "holder", s.cfg.Holder, "tick", s.cfg.TickInterval, "max_concurrent", s.cfg.MaxConcurrentScans)
	return nil
}

// Stop stops ticking and waits for in-flight scans. It is a no-op when the
// scheduler is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(loopCtx, scanCtx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
		close(done)
	}()
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentScans)
	defer func() { _ = g.Wait() }()

	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		s.tick(loopCtx, scanCtx, &g)
		select {
		case <-loopCtx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick runs a single evaluation pass and waits for the scans it started.
func (s *Scheduler) Tick(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentScans)
	s.tick(ctx, ctx, &g)
	_ = g.Wait()
}

func (s *Scheduler) tick(ctx, scanCtx context.Context, g *errgroup.Group) {
	if ctx.Err() != nil {
		return
	}
	metrics.IncTick()
	now := s.now()
	s.mu.Lock()
	s.lastTick = &now
	s.mu.Unlock()

	folders, err := s.folders.ListFolders(ctx)
	if err != nil {
		s.logger.Error("scheduler tick: list folders failed", "error", err)
		return
	}
	for _, f := range folders {
		if !f.Enabled {
			continue
		}
		due, err := cron.IsDue(f.Schedule, f.LastScannedAt, now)
		if err != nil {
			metrics.IncFolderSkip("invalid_schedule")
			s.logger.Warn("folder has invalid schedule", "folder", f.Path, "schedule", f.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		path, err := canonical(f.Path)
		if err != nil {
			s.logger.Warn("folder path invalid", "folder", f.Path, "error", err)
			continue
		}
		if !s.claim(path) {
			metrics.IncFolderSkip("in_progress")
			s.logger.Debug("folder scan still in progress", "folder", path)
			continue
		}
		stored := f.Path
		ok := g.TryGo(func() error {
			defer s.unclaim(path)
			s.dispatch(scanCtx, stored, path, store.TriggerScheduled)
			return nil
		})
		if !ok {
			s.unclaim(path)
			metrics.IncFolderSkip("saturated")
			s.logger.Debug("scan slots full, folder deferred to next tick", "folder", path)
		}
	}
}

// TriggerNow scans path immediately with trigger manual and returns the
// result. It uses the same lock discipline as scheduled dispatches. Once
// the scan has started it runs to the end even if ctx is cancelled.
func (s *Scheduler) TriggerNow(ctx context.Context, path string) (Result, error) {
	f, err := s.folders.GetFolder(ctx, path)
	if err != nil {
		return Result{}, fmt.Errorf("trigger %s: %w", path, err)
	}
	abs, err := canonical(f.Path)
	if err != nil {
		return Result{}, fmt.Errorf("trigger %s: %w", path, err)
	}
	if !s.claim(abs) {
		return Result{}, fmt.Errorf("trigger %s: %w", path, ErrFolderBusy)
	}
	defer s.unclaim(abs)
	return s.dispatch(context.WithoutCancel(ctx), f.Path, abs, store.TriggerManual), nil
}

func (s *Scheduler) claim(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[path]; busy {
		return false
	}
	s.inflight[path] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(path string) {
	s.mu.Lock()
	delete(s.inflight, path)
	s.mu.Unlock()
}

// dispatch runs one folder scan. stored is the folder key in the store,
// path its canonical absolute form.
func (s *Scheduler) dispatch(ctx context.Context, stored, path string, trigger store.Trigger) Result {
	res := Result{Path: stored, Trigger: trigger, StartedAt: s.now()}
	defer func() {
		res.FinishedAt = s.now()
		s.mu.Lock()
		s.results[stored] = res
		s.mu.Unlock()
	}()
	log := s.logger.With("folder", path, "trigger", trigger)
	resource := FolderResourceID(path)
	// bookkeeping after the scan must survive cancellation
	bg := context.WithoutCancel(ctx)

	_, conflict, err := s.locks.Acquire(ctx, resource, s.cfg.Holder, s.cfg.LockTTL, lock.DefaultReason)
	if err != nil {
		res.Error = err.Error()
		log.Error("folder lock failed", "error", err)
		return res
	}
	if conflict != nil {
		metrics.IncFolderSkip("locked")
		res.Skipped = true
		res.SkipReason = "locked"
		res.LockedBy = conflict.Holder
		log.Info("folder locked by another client, skipping", "owner", conflict.Holder, "reason", conflict.Reason, "remaining", conflict.Remaining)
		return res
	}
	defer func() {
		if _, err := s.locks.Release(bg, resource, s.cfg.Holder); err != nil {
			log.Warn("folder lock release failed", "error", err)
		}
	}()
	stop := s.locks.KeepAlive(ctx, resource, s.cfg.Holder, s.cfg.LockTTL)
	defer stop()

	runID, err := s.runs.Start(ctx, trigger, s.cfg.Holder, path, map[string]string{"folder": stored})
	if err != nil {
		res.Degraded = true
		log.Warn("run start failed, scanning without run", "bookkeeping", "degraded", "error", err)
	} else {
		res.RunID = runID
		log = log.With("run_id", runID)
	}

	rep := &reporter{runs: s.runs, runID: runID, log: log}
	scanErr := s.scanner.Scan(ctx, path, rep)
	res.Counters = rep.total()

	hint := run.HintNone
	if scanErr != nil {
		hint = run.HintAborted
		res.Error = scanErr.Error()
		log.Error("folder scan aborted", "error", scanErr)
		if runID != "" {
			if err := s.runs.RecordError(bg, runID, store.ErrorDetail{Message: scanErr.Error(), Resource: path}); err != nil {
				rep.degrade(err)
			}
		}
	}

	res.Status = run.DeriveStatus(res.Counters, hint)
	if runID != "" {
		status, err := s.runs.Complete(bg, runID, hint)
		if err != nil {
			rep.degrade(err)
		} else {
			res.Status = status
		}
	}
	res.Degraded = res.Degraded || rep.isDegraded()

	if err := s.folders.MarkFolderScanned(bg, stored, s.now(), runID); err != nil {
		log.Warn("mark folder scanned failed", "error", err)
	}
	metrics.ObserveScanDuration(string(res.Status), s.now().Sub(res.StartedAt).Seconds())
	log.Info("folder scan finished", "status", res.Status, "added", res.Counters.Added, "updated", res.Counters.Updated,
		"skipped", res.Counters.Skipped, "failed", res.Counters.Failed, "degraded", res.Degraded)
	return res
}

// Snapshot reports every watched folder with its state and next fire time.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	folders, err := s.folders.ListFolders(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.running, Holder: s.cfg.Holder, LastTick: s.lastTick, Folders: make([]FolderState, 0, len(folders))}
	for _, f := range folders {
		fs := FolderState{
			Path:          f.Path,
			Enabled:       f.Enabled,
			Schedule:      f.Schedule,
			State:         Idle,
			LastScannedAt: f.LastScannedAt,
			LastRunID:     f.LastRunID,
		}
		if r, ok := s.results[f.Path]; ok {
			fs.LastResult = &r
		}
		sched, err := cron.Parse(f.Schedule)
		if err != nil {
			fs.Error = err.Error()
		} else if f.Enabled {
			next := now
			if f.LastScannedAt != nil {
				next = sched.Next(*f.LastScannedAt)
			}
			fs.NextRun = &next
			if sched.IsDue(f.LastScannedAt, now) {
				fs.State = Due
			}
		}
		if abs, err := canonical(f.Path); err == nil {
			if _, busy := s.inflight[abs]; busy {
				fs.State = Running
			}
		}
		snap.Folders = append(snap.Folders, fs)
	}
	sort.Slice(snap.Folders, func(i, j int) bool { return snap.Folders[i].Path < snap.Folders[j].Path })
	return snap, nil
}

// reporter streams scan outcomes into the run tracker.
type reporter struct {
	runs  *run.Tracker
	runID string
	log   *slog.Logger

	mu       sync.Mutex
	counters store.Counters
	degraded bool
}

func (r *reporter) Report(ctx context.Context, resource string, o scan.Outcome, err error) {
	d := store.Counters{Scanned: 1}
	switch o {
	case scan.Added:
		d.Added = 1
	case scan.Updated:
		d.Updated = 1
	case scan.Skipped:
		d.Skipped = 1
	case scan.Failed:
		d.Failed = 1
	}
	r.mu.Lock()
	r.counters = r.counters.Add(d)
	r.mu.Unlock()

	if o == scan.Failed {
		r.log.Warn("file failed", "resource", resource, "error", err)
	}
	if r.runID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.runs.RecordProgress(ctx, r.runID, d); err != nil {
		r.degrade(err)
	}
	if o == scan.Failed {
		msg := "failed"
		if err != nil {
			msg = err.Error()
		}
		if err := r.runs.RecordError(ctx, r.runID, store.ErrorDetail{Message: msg, Resource: resource}); err != nil {
			r.degrade(err)
		}
	}
}

func (r *reporter) degrade(err error) {
	r.mu.Lock()
	first := !r.degraded
	r.degraded = true
	r.mu.Unlock()
	if first {
		r.log.Warn("run bookkeeping failed", "bookkeeping", "degraded", "error", err)
	}
}

func (r *reporter) total() store.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *reporter) isDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}
