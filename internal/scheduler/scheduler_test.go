package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/indexkeeper/internal/lock"
	"github.com/loykin/indexkeeper/internal/run"
	"github.com/loykin/indexkeeper/internal/scan"
	"github.com/loykin/indexkeeper/internal/store"
	"github.com/loykin/indexkeeper/internal/store/sqlite"
)

type fakeScanner struct {
	files   int
	fail    int
	err     error
	block   chan struct{}
	started chan struct{}
	calls   atomic.Int32
}

func (f *fakeScanner) Scan(ctx context.Context, folder string, r scan.Reporter) error {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return f.err
	}
	for i := 0; i < f.files; i++ {
		p := filepath.Join(folder, fmt.Sprintf("doc-%02d.txt", i))
		if i < f.fail {
			r.Report(ctx, p, scan.Failed, errors.New("permission denied"))
			continue
		}
		r.Report(ctx, p, scan.Added, nil)
	}
	return nil
}

type env struct {
	st    store.Store
	locks *lock.Manager
	runs  *run.Tracker
	sched *Scheduler
	dir   string
}

func newEnv(t *testing.T, sc scan.Scanner, opts ...Option) *env {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	e := &env{st: db, locks: lock.New(db), runs: run.New(db), dir: t.TempDir()}
	e.sched, err = New(db, e.locks, e.runs, sc, Config{Holder: "client-A", TickInterval: 10 * time.Millisecond}, opts...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return e
}

func (e *env) addFolder(t *testing.T, name, schedule string, enabled bool) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := e.st.CreateFolder(context.Background(), store.WatchedFolder{Path: p, Enabled: enabled, Schedule: schedule}); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	return p
}

func TestDueFolderPartialRun(t *testing.T) {
	sc := &fakeScanner{files: 10, fail: 1}
	e := newEnv(t, sc)
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "0 */6 * * *", true)

	e.sched.Tick(ctx)

	if sc.calls.Load() != 1 {
		t.Fatalf("scanner calls = %d", sc.calls.Load())
	}
	f, err := e.st.GetFolder(ctx, docs)
	if err != nil {
		t.Fatalf("get folder: %v", err)
	}
	if f.LastScannedAt == nil || f.LastRunID == "" {
		t.Fatalf("folder not marked scanned: %+v", f)
	}
	r, err := e.runs.Get(ctx, f.LastRunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status != store.StatusPartial || r.Trigger != store.TriggerScheduled {
		t.Fatalf("run status=%s trigger=%s", r.Status, r.Trigger)
	}
	want := store.Counters{Scanned: 10, Added: 9, Failed: 1}
	if r.Counters != want {
		t.Fatalf("counters = %+v, want %+v", r.Counters, want)
	}
	if len(r.Errors) != 1 || r.Errors[0].Message != "permission denied" {
		t.Fatalf("errors = %+v", r.Errors)
	}
	locks, _ := e.locks.ListActive(ctx)
	if len(locks) != 0 {
		t.Fatalf("folder lock not released: %+v", locks)
	}

	// last scan was just now, so the next tick has nothing to do
	e.sched.Tick(ctx)
	if sc.calls.Load() != 1 {
		t.Fatalf("folder scanned again before next fire time")
	}
}

func TestLockedFolderIsSkipped(t *testing.T) {
	sc := &fakeScanner{files: 3}
	e := newEnv(t, sc)
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "* * * * *", true)

	if _, c, err := e.locks.Acquire(ctx, FolderResourceID(docs), "client-B", time.Minute, "manual reindex"); err != nil || c != nil {
		t.Fatalf("client-B acquire: conflict=%v err=%v", c, err)
	}
	e.sched.Tick(ctx)

	if sc.calls.Load() != 0 {
		t.Fatalf("locked folder was scanned")
	}
	f, _ := e.st.GetFolder(ctx, docs)
	if f.LastScannedAt != nil {
		t.Fatalf("last_scanned_at changed on skip: %v", f.LastScannedAt)
	}
	runs, err := e.runs.List(ctx, run.Filter{})
	if err != nil || len(runs) != 0 {
		t.Fatalf("skip created runs: %v err=%v", runs, err)
	}
	snap, err := e.sched.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	last := snap.Folders[0].LastResult
	if last == nil || !last.Skipped || last.LockedBy != "client-B" {
		t.Fatalf("last result = %+v", last)
	}
}

func TestDisabledFolderNeverDue(t *testing.T) {
	sc := &fakeScanner{files: 1}
	e := newEnv(t, sc)
	ctx := context.Background()
	e.addFolder(t, "archive", "* * * * *", false)

	e.sched.Tick(ctx)
	if sc.calls.Load() != 0 {
		t.Fatalf("disabled folder was scanned")
	}
	snap, _ := e.sched.Snapshot(ctx)
	if snap.Folders[0].State != Idle || snap.Folders[0].NextRun != nil {
		t.Fatalf("disabled folder state = %+v", snap.Folders[0])
	}
}

func TestNotDueFolder(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	sc := &fakeScanner{files: 1}
	e := newEnv(t, sc, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "0 */6 * * *", true)
	if err := e.st.MarkFolderScanned(ctx, docs, now.Add(-time.Hour), ""); err != nil {
		t.Fatalf("mark scanned: %v", err)
	}

	e.sched.Tick(ctx)
	if sc.calls.Load() != 0 {
		t.Fatalf("folder scanned before it was due")
	}
	snap, _ := e.sched.Snapshot(ctx)
	fs := snap.Folders[0]
	if fs.State != Idle || fs.NextRun == nil || !fs.NextRun.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("folder state = %+v", fs)
	}
}

func TestAbortedScanFailsRun(t *testing.T) {
	sc := &fakeScanner{err: fmt.Errorf("%w: no such directory", scan.ErrFolderUnavailable)}
	e := newEnv(t, sc)
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "* * * * *", true)

	res, err := e.sched.TriggerNow(ctx, docs)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Status != store.StatusFailed || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
	r, err := e.runs.Get(ctx, res.RunID)
	if err != nil || r.Status != store.StatusFailed || r.Trigger != store.TriggerManual || len(r.Errors) != 1 {
		t.Fatalf("run = %+v err=%v", r, err)
	}
	locks, _ := e.locks.ListActive(ctx)
	if len(locks) != 0 {
		t.Fatalf("lock left behind after abort: %+v", locks)
	}
}

func TestTriggerNowUnknownFolder(t *testing.T) {
	e := newEnv(t, &fakeScanner{})
	_, err := e.sched.TriggerNow(context.Background(), "/nowhere")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type failingRuns struct {
	store.RunStore
}

func (failingRuns) InsertRun(context.Context, store.Run) error {
	return fmt.Errorf("insert run: %w", store.ErrTransientStorage)
}

func TestDegradedBookkeepingStillScans(t *testing.T) {
	sc := &fakeScanner{files: 2}
	e := newEnv(t, sc)
	e.sched.runs = run.New(failingRuns{RunStore: e.st})
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "* * * * *", true)

	res, err := e.sched.TriggerNow(ctx, docs)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sc.calls.Load() != 1 || !res.Degraded || res.RunID != "" {
		t.Fatalf("result = %+v calls=%d", res, sc.calls.Load())
	}
	if res.Status != store.StatusSuccess || res.Counters.Added != 2 {
		t.Fatalf("locally derived result = %+v", res)
	}
	f, _ := e.st.GetFolder(ctx, docs)
	if f.LastScannedAt == nil {
		t.Fatalf("degraded scan should still mark the folder scanned")
	}
}

func TestTriggerNowBusy(t *testing.T) {
	sc := &fakeScanner{files: 1, block: make(chan struct{}), started: make(chan struct{}, 1)}
	e := newEnv(t, sc)
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "* * * * *", true)

	done := make(chan Result, 1)
	go func() {
		res, _ := e.sched.TriggerNow(ctx, docs)
		done <- res
	}()
	<-sc.started

	if _, err := e.sched.TriggerNow(ctx, docs); !errors.Is(err, ErrFolderBusy) {
		t.Fatalf("expected ErrFolderBusy, got %v", err)
	}
	snap, _ := e.sched.Snapshot(ctx)
	if snap.Folders[0].State != Running {
		t.Fatalf("state = %s, want running", snap.Folders[0].State)
	}
	close(sc.block)
	if res := <-done; res.Status != store.StatusSuccess {
		t.Fatalf("first trigger = %+v", res)
	}
}

func TestStartStop(t *testing.T) {
	sc := &fakeScanner{files: 1, block: make(chan struct{}), started: make(chan struct{}, 1)}
	e := newEnv(t, sc)
	ctx := context.Background()
	docs := e.addFolder(t, "docs", "* * * * *", true)

	if err := e.sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.sched.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	if !e.sched.IsRunning() {
		t.Fatalf("IsRunning = false after start")
	}

	select {
	case <-sc.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("scan never dispatched")
	}

	stopped := make(chan struct{})
	go func() {
		e.sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while a scan was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(sc.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if e.sched.IsRunning() {
		t.Fatalf("IsRunning = true after stop")
	}
	f, _ := e.st.GetFolder(ctx, docs)
	if f.LastScannedAt == nil {
		t.Fatalf("in-flight scan did not finish")
	}
	e.sched.Stop()
}

func TestFSScannerWithFileLocks(t *testing.T) {
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	locks := lock.New(db)
	sc := scan.NewFS(db, scan.WithLocker(locks.Guard("client-A", time.Minute)))
	s, err := New(db, locks, run.New(db), sc, Config{Holder: "client-A"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	busy := filepath.Join(dir, "f0.txt")
	if _, c, err := locks.Acquire(ctx, scan.ResourceID(busy), "client-B", time.Minute, ""); err != nil || c != nil {
		t.Fatalf("client-B acquire: conflict=%v err=%v", c, err)
	}
	if err := db.CreateFolder(ctx, store.WatchedFolder{Path: dir, Enabled: true, Schedule: "@hourly"}); err != nil {
		t.Fatalf("create folder: %v", err)
	}

	res, err := s.TriggerNow(ctx, dir)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	want := store.Counters{Scanned: 3, Added: 2, Skipped: 1}
	if res.Counters != want || res.Status != store.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	active, _ := locks.ListActive(ctx)
	if len(active) != 1 || active[0].Holder != "client-B" {
		t.Fatalf("only client-B's lock should remain: %+v", active)
	}
}
