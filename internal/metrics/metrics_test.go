package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncLockAcquire("acquired")
	IncLockAcquire("conflict")
	IncLockRelease("released")
	SetActiveLocks(2)
	IncRunStarted("scheduled")
	IncRunCompleted("partial")
	AddFiles("added", 3)
	IncTick()
	IncFolderSkip("locked")
	ObserveScanDuration("success", 1.25)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"indexkeeper_lock_acquisitions_total":         false,
		"indexkeeper_lock_releases_total":             false,
		"indexkeeper_lock_active":                     false,
		"indexkeeper_run_started_total":               false,
		"indexkeeper_run_completed_total":             false,
		"indexkeeper_run_files_total":                 false,
		"indexkeeper_scheduler_ticks_total":           false,
		"indexkeeper_scheduler_folder_skips_total":    false,
		"indexkeeper_scheduler_scan_duration_seconds": false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration with the default registry used by Handler().
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncRunStarted("manual")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "indexkeeper_run_started_total") {
		t.Fatalf("metrics output missing run_started_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLockAcquire("acquired")
			IncLockRelease("released")
			AddFiles("scanned", 1)
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncLockAcquire("acquired")
	IncLockRelease("not_held")
	SetActiveLocks(5)
	IncRunStarted("cli")
	IncRunCompleted("failed")
	AddFiles("failed", 1)
	IncTick()
	IncFolderSkip("error")
	ObserveScanDuration("failed", 1.0)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed registration must leave helpers disabled")
	}
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (errorRegisterer) MustRegister(...prometheus.Collector) {}

func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }
