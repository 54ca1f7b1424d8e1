package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/indexkeeper/internal/identity"
	"github.com/loykin/indexkeeper/internal/lock"
	"github.com/loykin/indexkeeper/internal/run"
	"github.com/loykin/indexkeeper/internal/scan"
	"github.com/loykin/indexkeeper/internal/scheduler"
	iapi "github.com/loykin/indexkeeper/internal/server"
	"github.com/loykin/indexkeeper/internal/store/sqlite"
)

type daemon struct {
	url   string
	locks *lock.Manager
}

func startDaemon(t *testing.T) daemon {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	locks := lock.New(db)
	runs := run.New(db)
	sc := scan.NewFS(db, scan.WithLocker(locks.Guard("client-A", time.Minute)))
	sched, err := scheduler.New(db, locks, runs, sc, scheduler.Config{Holder: "client-A", TickInterval: time.Hour})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)
	h := iapi.NewRouter(iapi.Deps{
		Locks: locks, Runs: runs, Folders: db, Scheduler: sched,
		Info: identity.Info{ClientID: "client-A"},
	}, "/api").Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return daemon{url: srv.URL + "/api", locks: locks}
}

func newCommand(out *bytes.Buffer) command {
	return command{out: out, now: time.Now}
}

func TestFolderAndRunCommands(t *testing.T) {
	d := startDaemon(t)
	var out bytes.Buffer
	c := newCommand(&out)
	api := APIFlags{APIUrl: d.url, APITimeout: 5 * time.Second}

	dir := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(n), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := c.FoldersAdd(FolderAddFlags{APIFlags: api, Path: dir, Schedule: "@hourly", Metadata: []string{"team=docs"}}); err != nil {
		t.Fatalf("folders add: %v", err)
	}
	if !strings.Contains(out.String(), "Added "+dir) {
		t.Fatalf("add output: %q", out.String())
	}
	if err := c.FoldersAdd(FolderAddFlags{APIFlags: api, Path: dir, Schedule: "@hourly"}); err == nil {
		t.Fatalf("expected duplicate add to fail")
	}

	out.Reset()
	if err := c.FoldersScan(api, dir); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out.String(), "finished success: scanned=2 added=2") {
		t.Fatalf("scan output: %q", out.String())
	}
	runID := strings.Fields(out.String())[1]

	out.Reset()
	if err := c.RunsList(RunListFlags{APIFlags: api, Status: "success", Since: time.Hour, Limit: 10}); err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out.String(), runID) || !strings.Contains(out.String(), "client-A") {
		t.Fatalf("runs list output: %q", out.String())
	}

	out.Reset()
	if err := c.RunsGet(api, runID); err != nil {
		t.Fatalf("runs get: %v", err)
	}
	if !strings.Contains(out.String(), "Trigger:   manual") || !strings.Contains(out.String(), "scanned=2") {
		t.Fatalf("runs get output: %q", out.String())
	}

	out.Reset()
	if err := c.FoldersSetEnabled(api, dir, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	out.Reset()
	if err := c.FoldersList(api); err != nil {
		t.Fatalf("folders list: %v", err)
	}
	if !strings.Contains(out.String(), dir) || !strings.Contains(out.String(), "false") {
		t.Fatalf("folders list output: %q", out.String())
	}

	if err := c.FoldersRemove(api, dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.RunsGet(api, "missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestLockCommands(t *testing.T) {
	d := startDaemon(t)
	var out bytes.Buffer
	c := newCommand(&out)
	api := APIFlags{APIUrl: d.url}

	if err := c.LocksList(api); err != nil || !strings.Contains(out.String(), "No active locks") {
		t.Fatalf("empty list: %q err=%v", out.String(), err)
	}
	if _, conflict, err := d.locks.Acquire(context.Background(), "folder:///docs", "client-B", time.Minute, "reindex"); err != nil || conflict != nil {
		t.Fatalf("acquire: %v %v", conflict, err)
	}

	out.Reset()
	api.JSON = true
	if err := c.LocksList(api); err != nil {
		t.Fatalf("list json: %v", err)
	}
	var locks []map[string]any
	if err := json.Unmarshal(out.Bytes(), &locks); err != nil || len(locks) != 1 || locks[0]["holder"] != "client-B" {
		t.Fatalf("json output: %q err=%v", out.String(), err)
	}

	out.Reset()
	if err := c.LocksRelease(api, "folder:///docs"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if active, _ := d.locks.ListActive(context.Background()); len(active) != 0 {
		t.Fatalf("lock still active: %+v", active)
	}
}

func TestSchedulerCommands(t *testing.T) {
	d := startDaemon(t)
	var out bytes.Buffer
	c := newCommand(&out)
	api := APIFlags{APIUrl: d.url}

	if err := c.SchedulerStart(api); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.SchedulerStart(api); err == nil {
		t.Fatalf("expected second start to fail")
	}
	out.Reset()
	if err := c.SchedulerStatus(api); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "Scheduler: running (holder client-A") {
		t.Fatalf("status output: %q", out.String())
	}
	if err := c.SchedulerStop(api); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestAPIURLFromConfig(t *testing.T) {
	d := startDaemon(t)
	listen := strings.TrimSuffix(strings.TrimPrefix(d.url, "http://"), "/api")
	cfgPath := filepath.Join(t.TempDir(), "indexkeeper.toml")
	body := "[server]\nlisten = \"" + listen + "\"\nbase_path = \"/api\"\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	c := command{out: &out, configPath: &cfgPath, now: time.Now}
	if err := c.SchedulerStatus(APIFlags{}); err != nil {
		t.Fatalf("status via config: %v", err)
	}
	if !strings.Contains(out.String(), "Scheduler: stopped") {
		t.Fatalf("output: %q", out.String())
	}
}

func TestParseKV(t *testing.T) {
	m, err := parseKV([]string{"team=docs", " env = prod=eu"})
	if err != nil || m["team"] != "docs" || m["env"] != " prod=eu" {
		t.Fatalf("parseKV = %v err=%v", m, err)
	}
	if m, err := parseKV(nil); err != nil || m != nil {
		t.Fatalf("empty parseKV = %v err=%v", m, err)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseKV([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
