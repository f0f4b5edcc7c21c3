// Package logsink writes log output to one file per calendar day and prunes
// files past a retention window.
package logsink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "docexport-"
	fileSuffix = ".log"
	dateLayout = "2006-01-02"
)

// DailyWriter is an io.Writer appending to <dir>/docexport-YYYY-MM-DD.log,
// switching files when the local date changes. Safe for concurrent use.
type DailyWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// Option configures a DailyWriter.
type Option func(*DailyWriter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(w *DailyWriter) { w.now = now } }

// New creates the log directory and returns a writer for it.
func New(dir string, opts ...Option) (*DailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &DailyWriter{dir: dir, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Dir returns the log directory.
func (w *DailyWriter) Dir() string { return w.dir }

// FileFor returns the log file path for t.
func (w *DailyWriter) FileFor(t time.Time) string {
	return filepath.Join(w.dir, filePrefix+t.Format(dateLayout)+fileSuffix)
}

// Write implements io.Writer.
func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if day := now.Format(dateLayout); day != w.day || w.file == nil {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		f, err := os.OpenFile(w.FileFor(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open daily log: %w", err)
		}
		w.file, w.day = f, day
	}
	return w.file.Write(p)
}

// Close closes the current file.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.day = nil, ""
	return err
}

// Prune removes daily log files whose date is more than retention before now.
// Files not matching the naming pattern are left alone. Returns removed paths.
func (w *DailyWriter) Prune(retention time.Duration) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	now := w.now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(-retention)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var (
		removed []string
		errs    []error
	)
	for _, e := range entries {
		day, ok := parseName(e.Name(), now.Location())
		if !ok || e.IsDir() || !day.Before(cutoff) {
			continue
		}
		p := filepath.Join(w.dir, e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}

func parseName(name string, loc *time.Location) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
