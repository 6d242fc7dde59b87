// Package logging provides size-based rotation for the daemon's JSON
// log output. The daemon is long-lived and chatty about state changes,
// so unbounded log files are the first thing to fill a small disk.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that renames the active log file
// aside once it would exceed the size limit. Rotated files carry a
// timestamp suffix; pruning keeps the newest maxBackups and drops
// anything older than maxAge.
type RotatingWriter struct {
	mu sync.Mutex
	f  *os.File
	n  int64

	path       string
	limit      int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens path for appending, creating parent
// directories as needed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	w := &RotatingWriter{
		path:       path,
		limit:      int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	if err := w.reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends p, rotating first when the write would push the file
// past the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// Close closes the active log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Must be called with mu held.
func (w *RotatingWriter) reopen() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f = f
	w.n = info.Size()
	return nil
}

// Must be called with mu held.
func (w *RotatingWriter) rotate() error {
	if w.f != nil {
		w.f.Close()
	}
	base, ext := splitExt(w.path)
	aside := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405"), ext)
	os.Rename(w.path, aside) //nolint:errcheck

	if err := w.reopen(); err != nil {
		return err
	}
	go w.prune()
	return nil
}

// prune removes rotated files past the backup count or the age cutoff.
// Runs off the write path; errors are ignored.
func (w *RotatingWriter) prune() {
	dir := filepath.Dir(w.path)
	base, ext := splitExt(filepath.Base(w.path))
	prefix := base + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name == filepath.Base(w.path) {
			continue
		}
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}

	// Timestamp suffixes sort lexically, oldest first.
	sort.Strings(rotated)

	excess := len(rotated) - w.maxBackups
	cutoff := time.Now().Add(-w.maxAge)
	for i, name := range rotated {
		path := filepath.Join(dir, name)
		if i < excess {
			os.Remove(path) //nolint:errcheck
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}

func splitExt(path string) (base, ext string) {
	ext = filepath.Ext(path)
	base = strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}
