package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/indexkeeper/internal/store"
	"github.com/loykin/indexkeeper/internal/store/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, path string) store.Store {
	t.Helper()
	db, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func newManager(t *testing.T) (*Manager, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(newStore(t, ":memory:"), WithClock(clk.Now)), clk
}

func TestAcquireConflictRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	res := "file:///docs/report.pdf"

	tok, c, err := m.Acquire(ctx, res, "worker-A", 0, "")
	if err != nil || c != nil {
		t.Fatalf("acquire A: conflict=%v err=%v", c, err)
	}
	if tok.Renewed || tok.Reason != DefaultReason || tok.ExpiresAt.Sub(tok.AcquiredAt) != DefaultTTL {
		t.Fatalf("unexpected token: %+v", tok)
	}

	_, c, err = m.Acquire(ctx, res, "worker-B", 5*time.Minute, "indexing")
	if err != nil {
		t.Fatalf("acquire B: %v", err)
	}
	if c == nil || c.Holder != "worker-A" || c.Remaining != DefaultTTL {
		t.Fatalf("expected conflict with worker-A, got %+v", c)
	}

	out, err := m.Release(ctx, res, "worker-B")
	if err != nil || out != NotHeld {
		t.Fatalf("release by B: %v %v", out, err)
	}
	out, err = m.Release(ctx, res, "worker-A")
	if err != nil || out != Released {
		t.Fatalf("release by A: %v %v", out, err)
	}
	// idempotent
	out, err = m.Release(ctx, res, "worker-A")
	if err != nil || out != NotHeld {
		t.Fatalf("second release: %v %v", out, err)
	}

	_, c, err = m.Acquire(ctx, res, "worker-B", 5*time.Minute, "indexing")
	if err != nil || c != nil {
		t.Fatalf("acquire B after release: conflict=%v err=%v", c, err)
	}
}

func TestAcquireSameHolderRenews(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	first, _, err := m.Acquire(ctx, "r", "A", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(30 * time.Second)
	second, c, err := m.Acquire(ctx, "r", "A", time.Minute, "")
	if err != nil || c != nil {
		t.Fatalf("re-acquire: conflict=%v err=%v", c, err)
	}
	if !second.Renewed || !second.AcquiredAt.Equal(first.AcquiredAt) || !second.ExpiresAt.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("expected renewal keeping acquired_at: first=%+v second=%+v", first, second)
	}
}

func TestExpiredLockIsReplaced(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	if _, _, err := m.Acquire(ctx, "r", "A", time.Minute, ""); err != nil {
		t.Fatal(err)
	}
	clk.Advance(61 * time.Second)

	tok, c, err := m.Acquire(ctx, "r", "B", time.Minute, "")
	if err != nil || c != nil {
		t.Fatalf("acquire after expiry: conflict=%v err=%v", c, err)
	}
	if tok.Holder != "B" || tok.Renewed {
		t.Fatalf("unexpected token: %+v", tok)
	}
	// the previous holder lost the lock and cannot release B's
	out, err := m.Release(ctx, "r", "A")
	if err != nil || out != NotHeld {
		t.Fatalf("stale release: %v %v", out, err)
	}
	locks, err := m.ListActive(ctx)
	if err != nil || len(locks) != 1 || locks[0].Holder != "B" {
		t.Fatalf("active after stale release: %+v err=%v", locks, err)
	}
}

func TestExpiryBoundaryIsExpired(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	if _, _, err := m.Acquire(ctx, "r", "A", time.Minute, ""); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if _, c, err := m.Acquire(ctx, "r", "B", time.Minute, ""); err != nil || c != nil {
		t.Fatalf("lock expiring exactly now must be replaceable: conflict=%v err=%v", c, err)
	}
}

func TestRenew(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	if _, _, err := m.Acquire(ctx, "r", "A", time.Minute, ""); err != nil {
		t.Fatal(err)
	}
	clk.Advance(50 * time.Second)
	if out, err := m.Renew(ctx, "r", "A", time.Minute); err != nil || out != Renewed {
		t.Fatalf("renew: %v %v", out, err)
	}
	clk.Advance(50 * time.Second)
	if _, c, _ := m.Acquire(ctx, "r", "B", time.Minute, ""); c == nil {
		t.Fatalf("renewed lock should still conflict")
	}
	if out, err := m.Renew(ctx, "r", "B", time.Minute); err != nil || out != NotHeld {
		t.Fatalf("renew by non-holder: %v %v", out, err)
	}
	clk.Advance(time.Hour)
	if out, err := m.Renew(ctx, "r", "A", time.Minute); err != nil || out != NotHeld {
		t.Fatalf("renew after expiry: %v %v", out, err)
	}
}

func TestForceReleaseAndListActive(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	for i, ttl := range []time.Duration{time.Minute, time.Hour, time.Hour} {
		if _, _, err := m.Acquire(ctx, fmt.Sprintf("r%d", i), "A", ttl, ""); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(2 * time.Minute)
	if err := m.ForceRelease(ctx, "r1"); err != nil {
		t.Fatalf("force release: %v", err)
	}
	if err := m.ForceRelease(ctx, "r1"); err != nil {
		t.Fatalf("force release of missing lock: %v", err)
	}
	locks, err := m.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 1 || locks[0].ResourceID != "r2" {
		t.Fatalf("expected only r2 active, got %+v", locks)
	}
}

func TestInvalidArguments(t *testing.T) {
	m, _ := newManager(t)
	if _, _, err := m.Acquire(context.Background(), "", "A", 0, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := m.Acquire(context.Background(), "r", "", 0, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	s := newStore(t, filepath.Join(t.TempDir(), "locks.db"))
	const clients = 10
	var wins atomic.Int32
	var conflicts atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		// each client has its own manager, as separate processes would
		m := New(s)
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			_, c, err := m.Acquire(context.Background(), "folder:///shared", holder, time.Minute, "")
			switch {
			case err != nil:
				errs <- err
			case c != nil:
				conflicts.Add(1)
			default:
				wins.Add(1)
			}
		}(fmt.Sprintf("client-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if wins.Load() != 1 || conflicts.Load() != clients-1 {
		t.Fatalf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
}

func TestKeepAliveExtendsLock(t *testing.T) {
	s := newStore(t, ":memory:")
	m := New(s)
	ctx := context.Background()
	ttl := 200 * time.Millisecond
	if _, _, err := m.Acquire(ctx, "r", "A", ttl, ""); err != nil {
		t.Fatal(err)
	}
	stop := m.KeepAlive(ctx, "r", "A", ttl)
	time.Sleep(3 * ttl)
	if _, c, err := m.Acquire(ctx, "r", "B", ttl, ""); err != nil || c == nil {
		t.Fatalf("lock should still be held by A: conflict=%v err=%v", c, err)
	}
	stop()
	if out, err := m.Release(ctx, "r", "A"); err != nil || out != Released {
		t.Fatalf("release after keepalive: %v %v", out, err)
	}
}

func TestKeepAliveTinyTTL(t *testing.T) {
	s := newStore(t, ":memory:")
	m := New(s)
	stop := m.KeepAlive(context.Background(), "r", "A", time.Nanosecond)
	time.Sleep(3 * minRenewInterval)
	stop()

	cases := map[time.Duration]time.Duration{
		time.Nanosecond:  minRenewInterval,
		time.Millisecond: minRenewInterval,
		time.Minute:      30 * time.Second,
	}
	for ttl, want := range cases {
		if got := renewInterval(ttl); got != want {
			t.Fatalf("renewInterval(%v) = %v, want %v", ttl, got, want)
		}
	}
}

func TestGuard(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	res := "file:///docs/a.txt"

	if _, c, err := m.Acquire(ctx, res, "worker-B", 0, ""); err != nil || c != nil {
		t.Fatalf("acquire B: conflict=%v err=%v", c, err)
	}
	guard := m.Guard("worker-A", time.Minute)
	if release, held, err := guard(ctx, res); err != nil || held || release != nil {
		t.Fatalf("guard on busy resource: held=%v err=%v", held, err)
	}

	other := "file:///docs/b.txt"
	release, held, err := guard(ctx, other)
	if err != nil || !held {
		t.Fatalf("guard on free resource: held=%v err=%v", held, err)
	}
	if _, c, _ := m.Acquire(ctx, other, "worker-B", 0, ""); c == nil {
		t.Fatalf("guarded resource should conflict for others")
	}

	release()
	if _, c, err := m.Acquire(ctx, other, "worker-B", 0, ""); err != nil || c != nil {
		t.Fatalf("resource not released: conflict=%v err=%v", c, err)
	}
}

func TestGuardReleaseAfterCancel(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	release, held, err := m.Guard("worker-A", 0)(ctx, "file:///docs/c.txt")
	if err != nil || !held {
		t.Fatalf("guard: held=%v err=%v", held, err)
	}
	cancel()
	release()
	locks, err := m.ListActive(context.Background())
	if err != nil || len(locks) != 0 {
		t.Fatalf("lock survived cancelled release: %v err=%v", locks, err)
	}
}
