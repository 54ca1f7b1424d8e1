// Package run tracks the lifecycle of indexing runs.
//
// A run starts as running, accumulates counters and errors, and is closed
// exactly once with a status derived from its counters. Every mutation is a
// conditional write on status = running, so nothing applies after completion
// even with several writers.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/indexkeeper/internal/history"
	"github.com/loykin/indexkeeper/internal/metrics"
	"github.com/loykin/indexkeeper/internal/store"
)

var (
	// ErrInvariantViolation reports an operation the run's state forbids,
	// e.g. mutating a completed run or recording a negative delta.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = store.ErrNotFound
)

type (
	Delta  = store.Counters
	Filter = store.RunFilter
)

// Hint qualifies Complete.
type Hint int

const (
	HintNone Hint = iota
	// HintAborted means the operation could not proceed at all; the run
	// is failed regardless of its counters.
	HintAborted
)

// DeriveStatus computes the terminal status for counters c.
func DeriveStatus(c store.Counters, h Hint) store.Status {
	if h == HintAborted {
		return store.StatusFailed
	}
	if c.Failed > 0 {
		if c.Succeeded() == 0 {
			return store.StatusFailed
		}
		return store.StatusPartial
	}
	return store.StatusSuccess
}

// Tracker records runs in a store.RunStore.
type Tracker struct {
	store  store.RunStore
	sink   history.Sink
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Tracker)

// WithSink exports every completed run to s. Export failures are logged.
func WithSink(s history.Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(s store.RunStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start opens a running run and returns its id.
func (t *Tracker) Start(ctx context.Context, trigger store.Trigger, clientRef, sourceURI string, metadata map[string]string) (string, error) {
	if _, err := store.ParseTrigger(string(trigger)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	r := store.Run{
		ID:        t.newID(),
		StartedAt: t.now(),
		Status:    store.StatusRunning,
		Trigger:   trigger,
		ClientRef: clientRef,
		SourceURI: sourceURI,
		Metadata:  metadata,
	}
	if err := t.store.InsertRun(ctx, r); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	metrics.IncRunStarted(string(trigger))
	t.logger.Info("run started", "run_id", r.ID, "trigger", trigger, "source", sourceURI, "client", clientRef)
	return r.ID, nil
}

// RecordProgress adds d to the run's counters.
func (t *Tracker) RecordProgress(ctx context.Context, runID string, d Delta) error {
	if d.Negative() {
		return fmt.Errorf("%w: negative delta %+v for run %s", ErrInvariantViolation, d, runID)
	}
	ok, err := t.store.AddRunCounters(ctx, runID, d)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if !ok {
		return t.notRunning(ctx, runID, "record progress")
	}
	metrics.AddFiles("scanned", d.Scanned)
	metrics.AddFiles("added", d.Added)
	metrics.AddFiles("updated", d.Updated)
	metrics.AddFiles("skipped", d.Skipped)
	metrics.AddFiles("failed", d.Failed)
	return nil
}

// RecordError appends e to the run's error list. The status is untouched.
func (t *Tracker) RecordError(ctx context.Context, runID string, e store.ErrorDetail) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	ok, err := t.store.AppendRunError(ctx, runID, e)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	if !ok {
		return t.notRunning(ctx, runID, "record error")
	}
	return nil
}

// Complete closes the run with a status derived from its counters and h.
// The store derives the status in the closing write, so progress recorded
// by other writers up to that point is counted.
func (t *Tracker) Complete(ctx context.Context, runID string, h Hint) (store.Status, error) {
	done := t.now()
	ok, err := t.store.CompleteRun(ctx, runID, h == HintAborted, done)
	if err != nil {
		return "", fmt.Errorf("complete run %s: %w", runID, err)
	}
	if !ok {
		return "", t.notRunning(ctx, runID, "complete")
	}
	r, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("complete run %s: %w", runID, corrupt(err))
	}
	metrics.IncRunCompleted(string(r.Status))
	t.logger.Info("run completed", "run_id", runID, "status", r.Status,
		"scanned", r.Counters.Scanned, "added", r.Counters.Added, "updated", r.Counters.Updated,
		"skipped", r.Counters.Skipped, "failed", r.Counters.Failed, "duration", done.Sub(r.StartedAt))

	if t.sink != nil {
		if err := t.sink.Send(ctx, history.NewRunCompleted(r)); err != nil {
			t.logger.Warn("history export failed", "run_id", runID, "error", err)
		}
	}
	return r.Status, nil
}

func (t *Tracker) Get(ctx context.Context, runID string) (store.Run, error) {
	r, err := t.store.GetRun(ctx, runID)
	return r, corrupt(err)
}

func (t *Tracker) List(ctx context.Context, f Filter) ([]store.Run, error) {
	if f.Status != "" {
		if _, err := store.ParseStatus(string(f.Status)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
	}
	runs, err := t.store.ListRuns(ctx, f)
	return runs, corrupt(err)
}

// corrupt marks persisted rows that break run invariants.
func corrupt(err error) error {
	if errors.Is(err, store.ErrCorruptRow) {
		return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	return err
}

// notRunning explains why a conditional write matched nothing.
func (t *Tracker) notRunning(ctx context.Context, runID, op string) error {
	r, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, runID, err)
	}
	return fmt.Errorf("%w: %s on run %s with status %s", ErrInvariantViolation, op, runID, r.Status)
}
