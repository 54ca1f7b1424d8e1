package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	want := map[string][]string{
		"serve":     nil,
		"locks":     {"list", "release"},
		"runs":      {"list", "get"},
		"folders":   {"list", "add", "enable", "disable", "scan", "remove"},
		"scheduler": {"status", "start", "stop"},
		"version":   nil,
	}
	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %s not found: %v", name, err)
		}
		for _, s := range subs {
			sub, _, err := root.Find([]string{name, s})
			if err != nil || sub.Name() != s {
				t.Fatalf("command %s %s not found: %v", name, s, err)
			}
			if sub.Flag("api-url") == nil {
				t.Fatalf("%s %s lacks --api-url", name, s)
			}
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("missing --config")
	}
}

func TestFoldersAddRequiresFlags(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"folders", "add", "--path=/srv/docs"})
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "schedule") {
		t.Fatalf("expected missing --schedule error, got %v", err)
	}
}

func TestAcquirePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexkeeper.pid")
	p, err := acquirePidFile(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := acquirePidFile(path); err == nil {
		t.Fatalf("expected second acquire to fail while held")
	}
	if err := p.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	p2, err := acquirePidFile(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = p2.Release()
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://ik:secret@db:5432/ik?sslmode=disable": "postgres://ik:xxxxx@db:5432/ik?sslmode=disable",
		"indexkeeper.db":   "indexkeeper.db",
		"postgres://db/ik": "postgres://db/ik",
	}
	for in, want := range cases {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderTable(t *testing.T) {
	if renderTable(nil, nil, nil) != "" {
		t.Fatalf("expected empty table for no headers")
	}
	out := renderTable([]string{"Path", "Files"}, [][]string{{"/srv/docs", "12"}, {"/srv/wiki"}}, []columnAlignment{alignLeft, alignRight})
	for _, s := range []string{"Path", "Files", "/srv/docs", "12", "/srv/wiki"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(s)) {
			t.Fatalf("table missing %q:\n%s", s, out)
		}
	}
}
