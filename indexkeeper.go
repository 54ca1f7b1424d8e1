// Package indexkeeper wires the coordination core into a runnable engine
// for embedding and for the indexkeeper daemon.
package indexkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/indexkeeper/internal/config"
	"github.com/loykin/indexkeeper/internal/health"
	"github.com/loykin/indexkeeper/internal/history"
	hfactory "github.com/loykin/indexkeeper/internal/history/factory"
	"github.com/loykin/indexkeeper/internal/identity"
	"github.com/loykin/indexkeeper/internal/lock"
	"github.com/loykin/indexkeeper/internal/metrics"
	"github.com/loykin/indexkeeper/internal/run"
	"github.com/loykin/indexkeeper/internal/scan"
	"github.com/loykin/indexkeeper/internal/scheduler"
	iapi "github.com/loykin/indexkeeper/internal/server"
	"github.com/loykin/indexkeeper/internal/store"
	sfactory "github.com/loykin/indexkeeper/internal/store/factory"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Run = store.Run

type WatchedFolder = store.WatchedFolder

type ScanResult = scheduler.Result

type SchedulerSnapshot = scheduler.Snapshot

type HealthSnapshot = health.Snapshot

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// shutdownTimeout bounds server shutdown once the engine context ends.
const shutdownTimeout = 10 * time.Second

// Engine owns the store, the coordination components and the servers
// built from one Config.
type Engine struct {
	cfg    *Config
	logger *slog.Logger
	info   identity.Info

	store  store.Store
	sink   history.Sink
	locks  *lock.Manager
	runs   *run.Tracker
	sched  *scheduler.Scheduler
	poller *health.Poller
}

// Open connects the store, ensures the schema, seeds configured folders
// and builds every component. Close releases the store and history sink.
func Open(ctx context.Context, c *Config, logger *slog.Logger) (*Engine, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientID, err := identity.Resolve(ctx, c.ClientID)
	if err != nil {
		return nil, fmt.Errorf("resolve client id: %w", err)
	}
	logger = logger.With("client_id", clientID)

	st, err := sfactory.New(c.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e := &Engine{cfg: c, logger: logger, store: st, info: identity.Current(ctx, clientID)}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	for _, f := range c.WatchedFolders() {
		if err := st.UpsertFolder(ctx, f); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("seed folder %s: %w", f.Path, err)
		}
	}

	runOpts := []run.Option{run.WithLogger(logger)}
	if c.History.DSN != "" {
		sink, err := hfactory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		e.sink = sink
		runOpts = append(runOpts, run.WithSink(sink))
	}

	e.locks = lock.New(st, lock.WithLogger(logger), lock.WithDefaultTTL(c.Scheduler.LockTTL))
	e.runs = run.New(st, runOpts...)
	scanner := scan.NewFS(st,
		scan.WithExtensions(c.Scan.Extensions),
		scan.WithLocker(e.locks.Guard(clientID, c.Scheduler.LockTTL)),
		scan.WithLogger(logger),
	)
	e.sched, err = scheduler.New(st, e.locks, e.runs, scanner, scheduler.Config{
		Holder:             clientID,
		TickInterval:       c.Scheduler.TickInterval,
		LockTTL:            c.Scheduler.LockTTL,
		MaxConcurrentScans: c.Scheduler.MaxConcurrentScans,
	}, scheduler.WithLogger(logger))
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.poller = health.NewPoller(st,
		health.WithScheduler(e.sched),
		health.WithLocks(e.locks),
		health.WithInterval(c.Metrics.HealthInterval),
		health.WithLogger(logger),
	)
	return e, nil
}

func (e *Engine) Info() identity.Info             { return e.info }
func (e *Engine) Locks() *lock.Manager            { return e.locks }
func (e *Engine) Runs() *run.Tracker              { return e.runs }
func (e *Engine) Folders() store.FolderStore      { return e.store }
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }
func (e *Engine) Health() *health.Poller          { return e.poller }

// Handler returns the admin API handler mounted under basePath. Scheduler
// starts through the API are scoped to ctx.
func (e *Engine) Handler(ctx context.Context, basePath string) http.Handler {
	return iapi.NewRouter(e.deps(ctx), basePath).Handler()
}

func (e *Engine) deps(ctx context.Context) iapi.Deps {
	return iapi.Deps{
		Locks:     e.locks,
		Runs:      e.runs,
		Folders:   e.store,
		Scheduler: e.sched,
		Info:      e.info,
		Context:   ctx,
	}
}

// Run starts the scheduler (when autostart is set), the admin server, the
// health poller and, if configured, the metrics server. It blocks until
// ctx is done or a server fails, then stops everything and waits for
// in-flight scans.
func (e *Engine) Run(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	// scans outlive ctx; Stop below waits for them to finish
	schedCtx := context.WithoutCancel(ctx)

	if e.cfg.Scheduler.Autostart {
		if err := e.sched.Start(schedCtx); err != nil {
			return err
		}
	}

	admin := iapi.NewServer(e.cfg.Server.Listen, e.cfg.Server.BasePath, e.deps(schedCtx))
	g.Go(func() error {
		e.logger.Info("admin server listening", "addr", admin.Addr, "base", e.cfg.Server.BasePath)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return admin.Shutdown(sctx)
	})

	g.Go(func() error {
		e.poller.Run(gctx)
		return nil
	})

	if addr := e.cfg.Metrics.Listen; addr != "" {
		hs := health.NewServer(addr, e.poller)
		g.Go(func() error {
			e.logger.Info("metrics server listening", "addr", addr)
			if err := hs.Start(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err := g.Wait()
	e.sched.Stop()
	e.logger.Info("engine stopped")
	return err
}

// Close releases the history sink and the store.
func (e *Engine) Close() error {
	var errs []error
	if c, ok := e.sink.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}
