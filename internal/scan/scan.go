// Package scan discovers files in a watched folder and records them in the
// document index.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/indexkeeper/internal/store"
)

// ErrFolderUnavailable means the folder root could not be read at all.
var ErrFolderUnavailable = errors.New("folder unavailable")

// Outcome is the per-file result reported during a scan.
type Outcome string

const (
	Added   Outcome = "added"
	Updated Outcome = "updated"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Reporter receives one call per discovered file. err is set for Failed.
type Reporter interface {
	Report(ctx context.Context, resource string, o Outcome, err error)
}

// ResourceLocker takes the per-resource lock before a file is touched.
// held is false when another holder owns it; release must be called once
// when held is true.
type ResourceLocker func(ctx context.Context, resourceID string) (release func(), held bool, err error)

// Scanner scans one folder.
type Scanner interface {
	Scan(ctx context.Context, folder string, r Reporter) error
}

// ResourceID returns the lock identity of a file path.
func ResourceID(path string) string { return "file://" + path }

// FSScanner indexes regular files under a folder by SHA-256 checksum.
type FSScanner struct {
	docs       store.DocumentStore
	locker     ResourceLocker
	extensions map[string]struct{}
	logger     *slog.Logger
	now        func() time.Time
	walk       func(root string, fn fs.WalkDirFunc) error
}

type Option func(*FSScanner)

// WithExtensions limits the scan to files with the given extensions
// (".pdf" or "pdf"). An empty list accepts every file.
func WithExtensions(exts []string) Option {
	return func(s *FSScanner) {
		if len(exts) == 0 {
			s.extensions = nil
			return
		}
		s.extensions = make(map[string]struct{}, len(exts))
		for _, e := range exts {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			s.extensions[e] = struct{}{}
		}
	}
}

func WithLocker(l ResourceLocker) Option {
	return func(s *FSScanner) { s.locker = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *FSScanner) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewFS(docs store.DocumentStore, opts ...Option) *FSScanner {
	s := &FSScanner{
		docs:   docs,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		walk:   filepath.WalkDir,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan walks folder and reports every matching file:
//   - new or changed files are upserted (Added / Updated)
//   - unchanged files and files locked by someone else are Skipped
//   - unreadable files are Failed
//
// Index entries whose file disappeared are removed once the walk completes.
// Entries under a directory that could not be read are kept.
func (s *FSScanner) Scan(ctx context.Context, folder string, r Reporter) error {
	root, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFolderUnavailable, folder, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFolderUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrFolderUnavailable, root)
	}

	known, err := s.docs.DocumentChecksums(ctx, root)
	if err != nil {
		return fmt.Errorf("load index for %s: %w", root, err)
	}

	seen := make(map[string]struct{})
	var unreadable []string
	walkErr := s.walk(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return fmt.Errorf("%w: %v", ErrFolderUnavailable, err)
			}
			r.Report(ctx, p, Failed, err)
			if d != nil && d.IsDir() {
				unreadable = append(unreadable, p)
				return fs.SkipDir
			}
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !s.accepts(p) {
			return nil
		}
		seen[p] = struct{}{}
		s.indexFile(ctx, root, p, known, r)
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	// Remove stale entries.
	for p := range known {
		if _, ok := seen[p]; ok {
			continue
		}
		if under(p, unreadable) {
			continue
		}
		if err := s.docs.DeleteDocument(ctx, p); err != nil {
			s.logger.Warn("scan: delete failed", "folder", root, "resource", p, "error", err)
		} else {
			s.logger.Debug("scan: removed stale", "folder", root, "resource", p)
		}
	}
	return nil
}

func under(p string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(p, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *FSScanner) accepts(p string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	_, ok := s.extensions[strings.ToLower(filepath.Ext(p))]
	return ok
}

func (s *FSScanner) indexFile(ctx context.Context, root, p string, known map[string]string, r Reporter) {
	if s.locker != nil {
		release, held, err := s.locker(ctx, ResourceID(p))
		if err != nil {
			r.Report(ctx, p, Failed, fmt.Errorf("lock: %w", err))
			return
		}
		if !held {
			r.Report(ctx, p, Skipped, nil)
			return
		}
		defer release()
	}

	sum, size, err := checksumFile(p)
	if err != nil {
		r.Report(ctx, p, Failed, err)
		return
	}
	prev, exists := known[p]
	if exists && prev == sum {
		r.Report(ctx, p, Skipped, nil)
		return
	}
	doc := store.Document{ResourceID: p, FolderPath: root, Checksum: sum, Size: size, IndexedAt: s.now()}
	if err := s.docs.UpsertDocument(ctx, doc); err != nil {
		r.Report(ctx, p, Failed, err)
		return
	}
	if exists {
		r.Report(ctx, p, Updated, nil)
	} else {
		r.Report(ctx, p, Added, nil)
	}
}

// Checksum returns the hex-encoded SHA-256 digest of r and its length.
func Checksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func checksumFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	return Checksum(f)
}
