package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriterDefaults(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer without dir or path")
	}
	dir := t.TempDir()
	w := FileConfig{Dir: dir}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.Filename != filepath.Join(dir, DefaultFileName) {
		t.Fatalf("filename = %s", l.Filename)
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()
}

func TestFileWriterOverrides(t *testing.T) {
	p := filepath.Join(t.TempDir(), "custom.log")
	w := FileConfig{Dir: "ignored", Path: p, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.Filename != p || l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: %+v", l)
	}
	_ = w.Close()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "debug", Format: "json"}, &buf)
	if err != nil || closer != nil {
		t.Fatalf("New: closer=%v err=%v", closer, err)
	}
	l.Debug("lock acquired", "resource", "folder:///docs")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["msg"] != "lock acquired" || rec["resource"] != "folder:///docs" {
		t.Fatalf("record = %v", rec)
	}
}

func TestNewTextColor(t *testing.T) {
	var buf bytes.Buffer
	on := true
	l, _, err := New(Config{Color: &on}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.With("run_id", "r1").Warn("run bookkeeping failed")
	out := buf.String()
	if !strings.Contains(out, "\033[33mWARN") || !strings.Contains(out, "run_id=r1") {
		t.Fatalf("colored output missing: %q", out)
	}

	buf.Reset()
	l, _, _ = New(Config{}, &buf)
	l.Info("plain")
	if strings.Contains(buf.String(), "\033[") {
		t.Fatalf("non-terminal writer got colors: %q", buf.String())
	}
}

func TestNewFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	l, closer, err := New(Config{File: FileConfig{Dir: dir}}, &console)
	if err != nil || closer == nil {
		t.Fatalf("New: closer=%v err=%v", closer, err)
	}
	l.Info("scan finished")
	_ = closer.Close()
	b, err := os.ReadFile(filepath.Join(dir, DefaultFileName))
	if err != nil || !strings.Contains(string(b), "scan finished") {
		t.Fatalf("file content %q err=%v", b, err)
	}
	if console.Len() != 0 {
		t.Fatalf("console should be unused when logging to file")
	}
}

func TestNewInvalid(t *testing.T) {
	if _, _, err := New(Config{Format: "xml"}, os.Stderr); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, _, err := New(Config{Level: "loud"}, os.Stderr); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
