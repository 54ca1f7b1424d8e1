package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	lockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Lock acquisition attempts by outcome (acquired, renewed, conflict, error).",
		}, []string{"outcome"},
	)
	lockReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "lock",
			Name:      "releases_total",
			Help:      "Lock releases by outcome (released, not_held, forced).",
		}, []string{"outcome"},
	)
	activeLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "indexkeeper",
			Subsystem: "lock",
			Name:      "active",
			Help:      "Live locks observed at the last listing.",
		},
	)
	runsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Runs started by trigger kind.",
		}, []string{"trigger"},
	)
	runsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "run",
			Name:      "completed_total",
			Help:      "Runs completed by final status.",
		}, []string{"status"},
	)
	filesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "run",
			Name:      "files_total",
			Help:      "Files processed by outcome (scanned, added, updated, skipped, failed).",
		}, []string{"outcome"},
	)
	schedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks evaluated.",
		},
	)
	folderSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Subsystem: "scheduler",
			Name:      "folder_skips_total",
			Help:      "Due folders not scanned, by reason (locked, busy, error).",
		}, []string{"reason"},
	)
	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "indexkeeper",
			Subsystem: "scheduler",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a folder scan by final status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{lockAcquisitions, lockReleases, activeLocks, runsStarted, runsCompleted,
		filesProcessed, schedulerTicks, folderSkips, scanDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLockAcquire(outcome string) {
	if regOK.Load() {
		lockAcquisitions.WithLabelValues(outcome).Inc()
	}
}

func IncLockRelease(outcome string) {
	if regOK.Load() {
		lockReleases.WithLabelValues(outcome).Inc()
	}
}

func SetActiveLocks(n int) {
	if regOK.Load() {
		activeLocks.Set(float64(n))
	}
}

func IncRunStarted(trigger string) {
	if regOK.Load() {
		runsStarted.WithLabelValues(trigger).Inc()
	}
}

func IncRunCompleted(status string) {
	if regOK.Load() {
		runsCompleted.WithLabelValues(status).Inc()
	}
}

// AddFiles adds n to the files counter for outcome. Non-positive n is ignored.
func AddFiles(outcome string, n int64) {
	if regOK.Load() && n > 0 {
		filesProcessed.WithLabelValues(outcome).Add(float64(n))
	}
}

func IncTick() {
	if regOK.Load() {
		schedulerTicks.Inc()
	}
}

func IncFolderSkip(reason string) {
	if regOK.Load() {
		folderSkips.WithLabelValues(reason).Inc()
	}
}

func ObserveScanDuration(status string, seconds float64) {
	if regOK.Load() {
		scanDuration.WithLabelValues(status).Observe(seconds)
	}
}
