// Package lock provides TTL based mutual exclusion over indexed resources.
//
// A lock is a row keyed by resource id. Expiry is lazy: an expired row is
// simply replaceable by the next acquirer and filtered from listings, so a
// crashed holder blocks a resource for at most one TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/indexkeeper/internal/metrics"
	"github.com/loykin/indexkeeper/internal/store"
)

const (
	DefaultTTL    = 10 * time.Minute
	DefaultReason = "indexing"

	// acquire retries when the conflicting row vanishes or expires between
	// the conditional write and the follow-up read.
	acquireAttempts = 3

	// floor for the KeepAlive renewal period
	minRenewInterval = 10 * time.Millisecond
)

var ErrInvalidArgument = errors.New("invalid argument")

// Outcome is the non-error result of Release and Renew.
type Outcome string

const (
	Released Outcome = "released"
	Renewed  Outcome = "renewed"
	NotHeld  Outcome = "not_held"
)

// Token describes a lock held by the caller.
type Token struct {
	ResourceID string
	Holder     string
	Reason     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	// Renewed is set when the caller already held the lock.
	Renewed bool
}

// Conflict describes a live lock held by someone else.
type Conflict struct {
	ResourceID string
	Holder     string
	Reason     string
	ExpiresAt  time.Time
	Remaining  time.Duration
}

func (c *Conflict) String() string {
	return fmt.Sprintf("%s held by %s (%s), %s remaining", c.ResourceID, c.Holder, c.Reason, c.Remaining.Round(time.Second))
}

// Manager coordinates locks through a store.LockStore.
type Manager struct {
	store      store.LockStore
	logger     *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration
}

type Option func(*Manager)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDefaultTTL sets the TTL used when Acquire or Renew get ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

func New(s store.LockStore, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		defaultTTL: DefaultTTL,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// Acquire takes the lock on resourceID for holder. It returns a Token on
// success, or a Conflict when another holder owns a live lock. Acquiring a
// lock the holder already owns extends it.
func (m *Manager) Acquire(ctx context.Context, resourceID, holder string, ttl time.Duration, reason string) (Token, *Conflict, error) {
	if resourceID == "" || holder == "" {
		return Token{}, nil, fmt.Errorf("%w: resource id and holder are required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if reason == "" {
		reason = DefaultReason
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		// stored timestamps have millisecond precision
		now := m.now().Truncate(time.Millisecond)
		l := store.Lock{ResourceID: resourceID, Holder: holder, Reason: reason, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		ok, err := m.store.AcquireLock(ctx, l, now)
		if err != nil {
			metrics.IncLockAcquire("error")
			return Token{}, nil, err
		}
		if ok {
			tok := Token{ResourceID: resourceID, Holder: holder, Reason: reason, AcquiredAt: now, ExpiresAt: l.ExpiresAt}
			// read back only to tell a renewal from a fresh acquisition
			if cur, err := m.store.GetLock(ctx, resourceID); err == nil && cur.Holder == holder && cur.AcquiredAt.Before(now) {
				tok.AcquiredAt = cur.AcquiredAt
				tok.Renewed = true
			}
			if tok.Renewed {
				metrics.IncLockAcquire("renewed")
			} else {
				metrics.IncLockAcquire("acquired")
			}
			m.logger.Debug("lock acquired", "resource", resourceID, "holder", holder, "renewed", tok.Renewed, "expires_at", tok.ExpiresAt)
			return tok, nil, nil
		}

		cur, err := m.store.GetLock(ctx, resourceID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			metrics.IncLockAcquire("error")
			return Token{}, nil, err
		}
		now = m.now()
		if cur.Expired(now) || cur.Holder == holder {
			continue
		}
		metrics.IncLockAcquire("conflict")
		c := &Conflict{
			ResourceID: resourceID,
			Holder:     cur.Holder,
			Reason:     cur.Reason,
			ExpiresAt:  cur.ExpiresAt,
			Remaining:  cur.Remaining(now),
		}
		m.logger.Debug("lock conflict", "resource", resourceID, "holder", holder, "owner", c.Holder, "remaining", c.Remaining)
		return Token{}, c, nil
	}
	metrics.IncLockAcquire("error")
	return Token{}, nil, fmt.Errorf("acquire %s: lock state kept changing after %d attempts", resourceID, acquireAttempts)
}

// Release drops holder's live lock. Releasing a lock that expired, was
// taken over or never existed returns NotHeld and changes nothing.
func (m *Manager) Release(ctx context.Context, resourceID, holder string) (Outcome, error) {
	ok, err := m.store.ReleaseLock(ctx, resourceID, holder, m.now())
	if err != nil {
		return NotHeld, err
	}
	if !ok {
		metrics.IncLockRelease(string(NotHeld))
		m.logger.Debug("lock not held", "resource", resourceID, "holder", holder)
		return NotHeld, nil
	}
	metrics.IncLockRelease(string(Released))
	m.logger.Debug("lock released", "resource", resourceID, "holder", holder)
	return Released, nil
}

// ForceRelease removes the lock on resourceID whoever holds it.
func (m *Manager) ForceRelease(ctx context.Context, resourceID string) error {
	ok, err := m.store.ForceReleaseLock(ctx, resourceID)
	if err != nil {
		return err
	}
	if ok {
		metrics.IncLockRelease("forced")
		m.logger.Warn("lock force released", "resource", resourceID)
	}
	return nil
}

// Renew moves the expiry of holder's live lock to now+ttl.
func (m *Manager) Renew(ctx context.Context, resourceID, holder string, ttl time.Duration) (Outcome, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()
	ok, err := m.store.RenewLock(ctx, resourceID, holder, now.Add(ttl), now)
	if err != nil {
		return NotHeld, err
	}
	if !ok {
		return NotHeld, nil
	}
	return Renewed, nil
}

// ListActive returns live locks, deleting expired rows on the way.
func (m *Manager) ListActive(ctx context.Context) ([]store.Lock, error) {
	now := m.now()
	if n, err := m.store.PurgeExpiredLocks(ctx, now); err != nil {
		m.logger.Warn("purge expired locks failed", "error", err)
	} else if n > 0 {
		m.logger.Debug("purged expired locks", "count", n)
	}
	locks, err := m.store.ActiveLocks(ctx, now)
	if err != nil {
		return nil, err
	}
	metrics.SetActiveLocks(len(locks))
	return locks, nil
}

func renewInterval(ttl time.Duration) time.Duration {
	return max(ttl/2, minRenewInterval)
}

// KeepAlive renews holder's lock every ttl/2 until ctx is done or the
// returned stop func is called. stop waits for the renewer to exit. A
// renewal that finds the lock gone is logged and ends the loop.
func (m *Manager) KeepAlive(ctx context.Context, resourceID, holder string, ttl time.Duration) (stop func()) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(renewInterval(ttl))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				out, err := m.Renew(ctx, resourceID, holder, ttl)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					m.logger.Warn("lock renewal failed", "resource", resourceID, "holder", holder, "error", err)
					continue
				}
				if out == NotHeld {
					m.logger.Warn("lock lost during renewal", "resource", resourceID, "holder", holder)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Guard returns a per-resource lock callback for holder. The returned
// release runs on a context detached from the caller's cancellation so a
// cancelled scan still gives its locks back.
func (m *Manager) Guard(holder string, ttl time.Duration) func(ctx context.Context, resourceID string) (release func(), held bool, err error) {
	return func(ctx context.Context, resourceID string) (func(), bool, error) {
		_, c, err := m.Acquire(ctx, resourceID, holder, ttl, DefaultReason)
		if err != nil {
			return nil, false, err
		}
		if c != nil {
			m.logger.Info("resource locked elsewhere, skipping", "resource", resourceID, "owner", c.Holder, "remaining", c.Remaining)
			return nil, false, nil
		}
		return func() {
			if _, err := m.Release(context.WithoutCancel(ctx), resourceID, holder); err != nil {
				m.logger.Warn("lock release failed", "resource", resourceID, "holder", holder, "error", err)
			}
		}, true, nil
	}
}
