package lockguard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
)

func writeMarker(t *testing.T, dir string, m Marker) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerName), []byte(encodeMarker(m)), 0o644))
}

func TestTryAcquire_FreeScope(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, WithOwner("host/1/a"))

	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, g.Held())

	m, exists, err := g.Inspect()
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "host/1/a", m.Owner)
	assert.WithinDuration(t, time.Now(), m.AcquiredAt, time.Minute)

	g.Release()
	_, exists, err = g.Inspect()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTryAcquire_LiveMarkerBlocks(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 9, 3, 0, 0, time.UTC)
	writeMarker(t, dir, Marker{AcquiredAt: now.Add(-2 * time.Hour), Owner: "other"})

	g := New(dir, WithClock(func() time.Time { return now }))
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, g.Held())

	m, _, err := g.Inspect()
	require.NoError(t, err)
	assert.Equal(t, "other", m.Owner, "live marker must be left untouched")
}

func TestTryAcquire_ReclaimsExpiredMarker(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 9, 3, 0, 0, time.UTC)
	writeMarker(t, dir, Marker{AcquiredAt: now.Add(-25 * time.Hour), Owner: "crashed"})

	g := New(dir, WithOwner("me"), WithClock(func() time.Time { return now }))
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	m, _, err := g.Inspect()
	require.NoError(t, err)
	assert.Equal(t, "me", m.Owner)
	assert.True(t, m.AcquiredAt.Equal(now))

	assert.NoFileExists(t, filepath.Join(dir, MarkerName+".takeover"))
}

func TestTryAcquire_CustomTimeout(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 9, 3, 0, 0, time.UTC)
	writeMarker(t, dir, Marker{AcquiredAt: now.Add(-2 * time.Hour), Owner: "slow"})

	g := New(dir, WithTimeout(time.Hour), WithClock(func() time.Time { return now }))
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquire_UnparseableMarkerAgesByMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MarkerName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	g := New(dir)
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	dir := t.TempDir()
	const contenders = 8

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := New(dir)
			<-start
			ok, err := g.TryAcquire(t.Context())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTryAcquire_ConcurrentReclaimSingleWinner(t *testing.T) {
	dir := t.TempDir()
	writeMarker(t, dir, Marker{AcquiredAt: time.Now().Add(-72 * time.Hour), Owner: "crashed"})
	const contenders = 8

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := New(dir)
			<-start
			ok, err := g.TryAcquire(t.Context())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTryAcquire_TakeoverLatchBlocks(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeMarker(t, dir, Marker{AcquiredAt: now.Add(-48 * time.Hour), Owner: "crashed"})
	latch := filepath.Join(dir, MarkerName+".takeover")
	require.NoError(t, os.WriteFile(latch, nil, 0o644))

	g := New(dir)
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.False(t, ok, "a fresh latch means another run is reclaiming")
	assert.FileExists(t, latch)

	old := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(latch, old, old))
	ok, err = g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, latch, "abandoned latch is cleared for the next attempt")

	ok, err = g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquire_SameGuardTwice(t *testing.T) {
	g := New(t.TempDir())
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryAcquire_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	ok, err := New(t.TempDir()).TryAcquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestRelease_Idempotent(t *testing.T) {
	dir := t.TempDir()
	g := New(dir)
	g.Release()

	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.Remove(g.Path()))
	g.Release()
	g.Release()
	assert.False(t, g.Held())

	ok, err = New(dir).TryAcquire(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_LeavesForeignMarker(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, WithOwner("me"))
	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	writeMarker(t, dir, Marker{AcquiredAt: time.Now(), Owner: "someone-else"})
	g.Release()

	m, exists, err := g.Inspect()
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "someone-else", m.Owner)
}

func TestForceRelease_RemovesForeignMarker(t *testing.T) {
	dir := t.TempDir()
	writeMarker(t, dir, Marker{AcquiredAt: time.Now(), Owner: "someone-else"})

	g := New(dir, WithOwner("operator"))
	require.NoError(t, g.ForceRelease())
	require.NoError(t, g.ForceRelease())

	_, exists, err := g.Inspect()
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err := g.TryAcquire(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrepare_UnusableScope(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := New(filepath.Join(blocker, "locks")).Prepare()
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryInfrastructure))
	c, ok := ferrors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.SeverityFatal, c.Severity())

	require.NoError(t, New(filepath.Join(t.TempDir(), "fresh")).Prepare())
}

func TestDecodeMarker(t *testing.T) {
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	m, ok := decodeMarker([]byte(encodeMarker(Marker{AcquiredAt: at, Owner: "h/1/x"})))
	require.True(t, ok)
	assert.True(t, m.AcquiredAt.Equal(at))
	assert.Equal(t, "h/1/x", m.Owner)

	_, ok = decodeMarker([]byte("owner: h\n"))
	assert.False(t, ok)
}
