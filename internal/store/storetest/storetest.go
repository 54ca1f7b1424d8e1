// Package storetest holds behaviour checks shared by every store.Store
// backend. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/indexkeeper/internal/store"
)

// Run exercises s, which must have an empty, freshly created schema.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("Locks", func(t *testing.T) { testLocks(t, s) })
	t.Run("LockRace", func(t *testing.T) { testLockRace(t, s) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, s) })
	t.Run("CompleteRunStatus", func(t *testing.T) { testCompleteRunStatus(t, s) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, s) })
	t.Run("Folders", func(t *testing.T) { testFolders(t, s) })
	t.Run("Documents", func(t *testing.T) { testDocuments(t, s) })
}

func lockAt(id, holder string, at time.Time, ttl time.Duration) store.Lock {
	return store.Lock{ResourceID: id, Holder: holder, Reason: "indexing", AcquiredAt: at, ExpiresAt: at.Add(ttl)}
}

func testLocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := "file:///docs/a.pdf"

	ok, err := s.AcquireLock(ctx, lockAt(id, "worker-A", now, 10*time.Minute), now)
	if err != nil || !ok {
		t.Fatalf("acquire A: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, lockAt(id, "worker-B", now, 10*time.Minute), now)
	if err != nil || ok {
		t.Fatalf("acquire B on live lock: ok=%v err=%v", ok, err)
	}
	got, err := s.GetLock(ctx, id)
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if got.Holder != "worker-A" || !got.ExpiresAt.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("unexpected lock: %+v", got)
	}

	// re-acquire by the same holder keeps acquired_at and moves expiry
	later := now.Add(time.Minute)
	ok, err = s.AcquireLock(ctx, lockAt(id, "worker-A", later, 10*time.Minute), later)
	if err != nil || !ok {
		t.Fatalf("re-acquire A: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetLock(ctx, id)
	if !got.AcquiredAt.Equal(now) || !got.ExpiresAt.Equal(later.Add(10*time.Minute)) {
		t.Fatalf("re-acquire should keep acquired_at: %+v", got)
	}

	// B cannot release A's lock
	ok, err = s.ReleaseLock(ctx, id, "worker-B", now)
	if err != nil || ok {
		t.Fatalf("release by non-holder: ok=%v err=%v", ok, err)
	}

	// after expiry B takes over and A can no longer release
	expired := later.Add(11 * time.Minute)
	ok, err = s.AcquireLock(ctx, lockAt(id, "worker-B", expired, 5*time.Minute), expired)
	if err != nil || !ok {
		t.Fatalf("acquire B after expiry: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetLock(ctx, id)
	if got.Holder != "worker-B" || !got.AcquiredAt.Equal(expired) {
		t.Fatalf("expected B to hold with fresh acquired_at: %+v", got)
	}
	ok, err = s.ReleaseLock(ctx, id, "worker-A", expired)
	if err != nil || ok {
		t.Fatalf("stale holder release: ok=%v err=%v", ok, err)
	}

	// renew only while live
	ok, err = s.RenewLock(ctx, id, "worker-B", expired.Add(20*time.Minute), expired.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("renew B: ok=%v err=%v", ok, err)
	}
	ok, err = s.RenewLock(ctx, id, "worker-B", expired.Add(time.Hour), expired.Add(30*time.Minute))
	if err != nil || ok {
		t.Fatalf("renew after expiry: ok=%v err=%v", ok, err)
	}

	// active listing excludes expired rows; purge removes them
	active, err := s.ActiveLocks(ctx, expired.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("active locks: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active locks, got %+v", active)
	}
	n, err := s.PurgeExpiredLocks(ctx, expired.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, err := s.GetLock(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}

	// force release ignores holder; releasing twice is a no-op
	ok, _ = s.AcquireLock(ctx, lockAt(id, "worker-C", now, time.Hour), now)
	if !ok {
		t.Fatalf("acquire C failed")
	}
	ok, err = s.ForceReleaseLock(ctx, id)
	if err != nil || !ok {
		t.Fatalf("force release: ok=%v err=%v", ok, err)
	}
	ok, err = s.ForceReleaseLock(ctx, id)
	if err != nil || ok {
		t.Fatalf("second force release: ok=%v err=%v", ok, err)
	}
	ok, err = s.ReleaseLock(ctx, id, "worker-C", now)
	if err != nil || ok {
		t.Fatalf("release of missing lock: ok=%v err=%v", ok, err)
	}
}

func testLockRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	id := "folder:///race"
	const n = 12

	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.AcquireLock(ctx, lockAt(id, fmt.Sprintf("worker-%d", i), now, time.Minute), now)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	_, _ = s.ForceReleaseLock(ctx, id)
}

func testRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)
	r := store.Run{
		ID: "run-1", StartedAt: start, Status: store.StatusRunning, Trigger: store.TriggerScheduled,
		ClientRef: "host-1", SourceURI: "/docs", Metadata: map[string]string{"folder": "/docs"},
	}
	if err := s.InsertRun(ctx, r); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.StatusRunning || got.CompletedAt != nil || got.Metadata["folder"] != "/docs" || len(got.Errors) != 0 {
		t.Fatalf("unexpected run: %+v", got)
	}

	for i := 0; i < 3; i++ {
		ok, err := s.AddRunCounters(ctx, "run-1", store.Counters{Scanned: 2, Added: 1, Failed: 1})
		if err != nil || !ok {
			t.Fatalf("add counters: ok=%v err=%v", ok, err)
		}
	}
	ok, err := s.AppendRunError(ctx, "run-1", store.ErrorDetail{Message: "boom", Resource: "/docs/x", Timestamp: start})
	if err != nil || !ok {
		t.Fatalf("append error: ok=%v err=%v", ok, err)
	}
	ok, err = s.CompleteRun(ctx, "run-1", false, start.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}

	got, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get finished run: %v", err)
	}
	want := store.Counters{Scanned: 6, Added: 3, Failed: 3}
	if got.Counters != want {
		t.Fatalf("counters = %+v, want %+v", got.Counters, want)
	}
	if got.Status != store.StatusPartial || got.CompletedAt == nil || !got.CompletedAt.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected finished run: %+v", got)
	}
	if len(got.Errors) != 1 || got.Errors[0].Message != "boom" || got.Errors[0].Resource != "/docs/x" {
		t.Fatalf("unexpected errors: %+v", got.Errors)
	}

	// terminal runs reject further mutation
	if ok, err := s.AddRunCounters(ctx, "run-1", store.Counters{Scanned: 1}); err != nil || ok {
		t.Fatalf("counters after finish: ok=%v err=%v", ok, err)
	}
	if ok, err := s.AppendRunError(ctx, "run-1", store.ErrorDetail{Message: "late", Timestamp: start}); err != nil || ok {
		t.Fatalf("error after finish: ok=%v err=%v", ok, err)
	}
	if ok, err := s.CompleteRun(ctx, "run-1", true, start); err != nil || ok {
		t.Fatalf("second finish: ok=%v err=%v", ok, err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := s.AddRunCounters(ctx, "missing", store.Counters{Scanned: 1}); err != nil || ok {
		t.Fatalf("counters on missing run: ok=%v err=%v", ok, err)
	}
}

func testCompleteRunStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Date(2023, 1, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		id      string
		c       store.Counters
		aborted bool
		want    store.Status
	}{
		{"status-clean", store.Counters{Scanned: 4, Added: 4}, false, store.StatusSuccess},
		{"status-empty", store.Counters{}, false, store.StatusSuccess},
		{"status-partial", store.Counters{Scanned: 3, Updated: 2, Failed: 1}, false, store.StatusPartial},
		{"status-all-failed", store.Counters{Scanned: 3, Skipped: 2, Failed: 1}, false, store.StatusFailed},
		{"status-aborted", store.Counters{Scanned: 2, Added: 2}, true, store.StatusFailed},
	}
	for _, c := range cases {
		if err := s.InsertRun(ctx, store.Run{ID: c.id, StartedAt: start, Status: store.StatusRunning, Trigger: store.TriggerAPI}); err != nil {
			t.Fatalf("insert %s: %v", c.id, err)
		}
		if !c.c.IsZero() {
			if ok, err := s.AddRunCounters(ctx, c.id, c.c); err != nil || !ok {
				t.Fatalf("%s counters: ok=%v err=%v", c.id, ok, err)
			}
		}
		if ok, err := s.CompleteRun(ctx, c.id, c.aborted, start.Add(time.Minute)); err != nil || !ok {
			t.Fatalf("%s complete: ok=%v err=%v", c.id, ok, err)
		}
		got, err := s.GetRun(ctx, c.id)
		if err != nil {
			t.Fatalf("%s get: %v", c.id, err)
		}
		if got.Status != c.want {
			t.Fatalf("%s: status %s, want %s", c.id, got.Status, c.want)
		}
	}
}

func testListRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := store.Run{
			ID: fmt.Sprintf("list-%d", i), StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status: store.StatusRunning, Trigger: store.TriggerAPI, ClientRef: "lister",
		}
		if i%2 == 0 {
			r.ClientRef = "other"
		}
		if err := s.InsertRun(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}
	if _, err := s.CompleteRun(ctx, "list-4", false, base.Add(time.Hour)); err != nil {
		t.Fatalf("finish: %v", err)
	}

	all, err := s.ListRuns(ctx, store.RunFilter{Since: base, Until: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 || all[0].ID != "list-4" || all[4].ID != "list-0" {
		t.Fatalf("expected newest first, got %d runs", len(all))
	}
	mine, err := s.ListRuns(ctx, store.RunFilter{ClientRef: "lister", Since: base})
	if err != nil || len(mine) != 2 {
		t.Fatalf("client filter: n=%d err=%v", len(mine), err)
	}
	done, err := s.ListRuns(ctx, store.RunFilter{Status: store.StatusSuccess, Since: base})
	if err != nil || len(done) != 1 || done[0].ID != "list-4" {
		t.Fatalf("status filter: %+v err=%v", done, err)
	}
	page, err := s.ListRuns(ctx, store.RunFilter{Since: base, Until: base.Add(time.Hour), Offset: 1, Limit: 2})
	if err != nil || len(page) != 2 || page[0].ID != "list-3" {
		t.Fatalf("paging: %+v err=%v", page, err)
	}
}

func testFolders(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := store.WatchedFolder{Path: "/docs", Enabled: true, Schedule: "0 */6 * * *", ClientRef: "host-1"}
	if err := s.CreateFolder(ctx, f); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if err := s.CreateFolder(ctx, f); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.MarkFolderScanned(ctx, "/docs", at, "run-9"); err != nil {
		t.Fatalf("mark scanned: %v", err)
	}
	// upsert changes configuration but keeps scan state
	f.Schedule = "*/5 * * * *"
	if err := s.UpsertFolder(ctx, f); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetFolder(ctx, "/docs")
	if err != nil {
		t.Fatalf("get folder: %v", err)
	}
	if got.Schedule != "*/5 * * * *" || got.LastScannedAt == nil || !got.LastScannedAt.Equal(at) || got.LastRunID != "run-9" {
		t.Fatalf("unexpected folder: %+v", got)
	}
	if err := s.SetFolderEnabled(ctx, "/docs", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := s.UpsertFolder(ctx, store.WatchedFolder{Path: "/archive", Enabled: true, Schedule: "@daily"}); err != nil {
		t.Fatalf("upsert new: %v", err)
	}
	list, err := s.ListFolders(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("list folders: %+v err=%v", list, err)
	}
	if list[0].Path != "/archive" || list[1].Enabled {
		t.Fatalf("unexpected listing: %+v", list)
	}
	if err := s.SetFolderEnabled(ctx, "/nope", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.MarkFolderScanned(ctx, "/nope", at, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteFolder(ctx, "/archive"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetFolder(ctx, "/archive"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testDocuments(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for _, d := range []store.Document{
		{ResourceID: "/docs/a", FolderPath: "/docs", Checksum: "aa", Size: 1, IndexedAt: now},
		{ResourceID: "/docs/b", FolderPath: "/docs", Checksum: "bb", Size: 2, IndexedAt: now},
		{ResourceID: "/other/c", FolderPath: "/other", Checksum: "cc", Size: 3, IndexedAt: now},
	} {
		if err := s.UpsertDocument(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ResourceID, err)
		}
	}
	if err := s.UpsertDocument(ctx, store.Document{ResourceID: "/docs/a", FolderPath: "/docs", Checksum: "a2", IndexedAt: now}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.DeleteDocument(ctx, "/docs/b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sums, err := s.DocumentChecksums(ctx, "/docs")
	if err != nil {
		t.Fatalf("checksums: %v", err)
	}
	if len(sums) != 1 || sums["/docs/a"] != "a2" {
		t.Fatalf("unexpected checksums: %v", sums)
	}
}
