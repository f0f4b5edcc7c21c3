// Package lockguard provides a cross-process mutual exclusion marker for export runs.
//
// The lock is a small text file inside a shared scope directory. It is created
// with O_CREATE|O_EXCL so at most one acquirer wins on a free scope. A marker
// older than the configured timeout is considered abandoned and any acquirer may
// take it over.
package lockguard

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
)

// MarkerName is the lock file name inside the scope directory.
const MarkerName = ".docexport.lock"

// DefaultTimeout is the age after which a marker is treated as abandoned.
const DefaultTimeout = 24 * time.Hour

// Marker is the decoded content of a lock file.
type Marker struct {
	AcquiredAt time.Time
	Owner      string
}

// Guard acquires and releases the marker for one scope directory.
type Guard struct {
	dir     string
	path    string
	timeout time.Duration
	owner   string
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	held bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithOwner sets the owner string written into the marker.
func WithOwner(owner string) Option { return func(g *Guard) { g.owner = owner } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// New creates a guard for scopeDir.
func New(scopeDir string, opts ...Option) *Guard {
	g := &Guard{
		dir:     scopeDir,
		path:    filepath.Join(scopeDir, MarkerName),
		timeout: DefaultTimeout,
		owner:   defaultOwner(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Path returns the marker file path.
func (g *Guard) Path() string { return g.path }

// Owner returns the owner string this guard writes.
func (g *Guard) Owner() string { return g.owner }

// Held reports whether this guard currently holds the marker.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// TryAcquire attempts to take the lock without blocking.
// Contention returns (false, nil); only filesystem faults return an error.
func (g *Guard) TryAcquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false, nil
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create lock scope").
			WithContext("scope", g.dir).Build()
	}

	ok, err := g.create()
	if err != nil || ok {
		g.held = ok
		return ok, err
	}

	raw, m, err := g.inspect()
	if errors.Is(err, fs.ErrNotExist) {
		// Released between our create and read.
		ok, err = g.create()
		g.held = ok
		return ok, err
	}
	if err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read lock marker").
			WithContext("path", g.path).Build()
	}

	age := g.now().Sub(m.AcquiredAt)
	if age < g.timeout {
		g.logger.Debug("Lock held by another run",
			logfields.Scope(g.dir), slog.String("owner", m.Owner), slog.Duration("age", age))
		return false, nil
	}

	ok, err = g.takeOver(raw, m, age)
	g.held = ok
	return ok, err
}

// takeoverGrace bounds how long a takeover latch left by a crashed process blocks reclaiming.
const takeoverGrace = time.Minute

// takeOver replaces an abandoned marker. Reclaimers serialize on a second
// O_EXCL latch file and re-check the marker while holding it, so a marker
// written by a faster reclaimer is never removed. The new marker is still
// created with O_EXCL, which keeps a single winner against plain acquirers.
func (g *Guard) takeOver(staleRaw []byte, stale Marker, age time.Duration) (bool, error) {
	latch := g.path + ".takeover"
	f, err := os.OpenFile(latch, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create lock takeover latch").
				WithContext("path", latch).Build()
		}
		if info, statErr := os.Stat(latch); statErr == nil && g.now().Sub(info.ModTime()) > takeoverGrace {
			g.logger.Warn("Removing abandoned lock takeover latch", slog.String("path", latch))
			_ = os.Remove(latch)
		}
		return false, nil
	}
	_ = f.Close()
	defer func() {
		if err := os.Remove(latch); err != nil && !errors.Is(err, fs.ErrNotExist) {
			g.logger.Warn("Failed to remove lock takeover latch", slog.String("path", latch), logfields.Error(err))
		}
	}()

	current, err := os.ReadFile(g.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return g.create()
	case err != nil:
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read lock marker").
			WithContext("path", g.path).Build()
	case !bytes.Equal(current, staleRaw):
		return false, nil
	}

	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "remove stale lock marker").
			WithContext("path", g.path).Build()
	}
	g.logger.Info("Reclaiming abandoned lock",
		logfields.Scope(g.dir), slog.String("owner", stale.Owner), slog.Duration("age", age))
	return g.create()
}

func (g *Guard) create() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create lock marker").
			WithContext("path", g.path).Build()
	}
	_, werr := f.WriteString(encodeMarker(Marker{AcquiredAt: g.now(), Owner: g.owner}))
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(g.path)
		return false, ferrors.WrapError(werr, ferrors.CategoryFileSystem, "write lock marker").
			WithContext("path", g.path).Build()
	}
	return true, nil
}

// Prepare creates the scope directory. Services call it at startup so an
// unusable scope fails fast instead of on every tick.
func (g *Guard) Prepare() error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return ferrors.InfrastructureError("cannot create lock directory").
			WithCause(err).WithContext("scope", g.dir).Build()
	}
	return nil
}

// ForceRelease removes the marker whoever owns it. It is meant for operators
// clearing a lock left by a process that is known to be gone.
func (g *Guard) ForceRelease() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "remove lock marker").
			WithContext("path", g.path).Build()
	}
	return nil
}

// Release removes the marker, but only when this guard is the holder: a guard
// that never acquired does nothing, and a marker rewritten by another owner
// after a takeover is left in place. Use ForceRelease to clear a foreign marker.
// It never fails; problems are logged.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.held = false

	_, m, err := g.inspect()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		g.logger.Warn("Lock marker already gone on release", logfields.Scope(g.dir))
		return
	case err == nil && m.Owner != g.owner:
		g.logger.Warn("Lock marker was taken over; leaving it in place",
			logfields.Scope(g.dir), slog.String("owner", m.Owner))
		return
	}
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		g.logger.Warn("Failed to remove lock marker", logfields.Scope(g.dir), logfields.Error(err))
	}
}

// Inspect reads the current marker. The bool is false when no marker exists.
func (g *Guard) Inspect() (Marker, bool, error) {
	_, m, err := g.inspect()
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, err
	}
	return m, true, nil
}

func (g *Guard) inspect() ([]byte, Marker, error) {
	raw, err := os.ReadFile(g.path)
	if err != nil {
		return nil, Marker{}, err
	}
	m, ok := decodeMarker(raw)
	if !ok {
		// Unreadable content ages by the file's own modification time.
		info, statErr := os.Stat(g.path)
		if statErr != nil {
			return nil, Marker{}, statErr
		}
		m.AcquiredAt = info.ModTime()
	}
	return raw, m, nil
}

func encodeMarker(m Marker) string {
	return fmt.Sprintf("acquired_at: %s\nowner: %s\n", m.AcquiredAt.UTC().Format(time.RFC3339Nano), m.Owner)
}

// decodeMarker reports false when no valid acquired_at line is present.
func decodeMarker(raw []byte) (Marker, bool) {
	var (
		m  Marker
		ok bool
	)
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		key, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "acquired_at":
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.AcquiredAt, ok = t, true
			}
		case "owner":
			m.Owner = value
		}
	}
	return m, ok
}
