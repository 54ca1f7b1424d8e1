// Package health polls the store and scheduler at a fixed interval and
// keeps the latest result for /healthz.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/indexkeeper/internal/scheduler"
	"github.com/loykin/indexkeeper/internal/store"
)

const DefaultInterval = 15 * time.Second

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Snapshot is the result of one poll.
type Snapshot struct {
	Status      string          `json:"status"`
	CheckedAt   time.Time       `json:"checked_at"`
	Store       StoreHealth     `json:"store"`
	Scheduler   *SchedulerStats `json:"scheduler,omitempty"`
	ActiveLocks int             `json:"active_locks"`
}

type StoreHealth struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

type SchedulerStats struct {
	Running  bool `json:"running"`
	Folders  int  `json:"folders"`
	Enabled  int  `json:"enabled"`
	Due      int  `json:"due"`
	Scanning int  `json:"scanning"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type SchedulerView interface {
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

type LockLister interface {
	ListActive(ctx context.Context) ([]store.Lock, error)
}

// Poller refreshes a Snapshot every interval. Subscribers get each new
// snapshot on a buffered channel; a full channel drops the update.
type Poller struct {
	store    Pinger
	sched    SchedulerView
	locks    LockLister
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	latest Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

type Option func(*Poller)

func WithScheduler(s SchedulerView) Option { return func(p *Poller) { p.sched = s } }
func WithLocks(l LockLister) Option        { return func(p *Poller) { p.locks = l } }

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPoller(s Pinger, opts ...Option) *Poller {
	p := &Poller{
		store:    s,
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		subs:     make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll takes one snapshot, stores it as the latest and publishes it.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	snap := Snapshot{Status: StatusOK}
	start := p.now()
	if err := p.store.Ping(ctx); err != nil {
		snap.Status = StatusDegraded
		snap.Store.Error = err.Error()
		p.logger.Warn("health: store ping failed", "error", err)
	} else {
		snap.Store.OK = true
	}
	snap.Store.Latency = p.now().Sub(start)

	if p.locks != nil && snap.Store.OK {
		if locks, err := p.locks.ListActive(ctx); err == nil {
			snap.ActiveLocks = len(locks)
		}
	}
	if p.sched != nil && snap.Store.OK {
		if s, err := p.sched.Snapshot(ctx); err == nil {
			st := &SchedulerStats{Running: s.Running, Folders: len(s.Folders)}
			for _, f := range s.Folders {
				if f.Enabled {
					st.Enabled++
				}
				switch f.State {
				case scheduler.Due:
					st.Due++
				case scheduler.Running:
					st.Scanning++
				}
			}
			snap.Scheduler = st
		}
	}
	snap.CheckedAt = p.now()

	p.mu.Lock()
	p.latest = snap
	for _, ch := range p.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	p.mu.Unlock()
	return snap
}

// Latest returns the most recent snapshot; zero before the first poll.
func (p *Poller) Latest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Subscribe returns a channel of future snapshots and a cancel func that
// closes it.
func (p *Poller) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}
