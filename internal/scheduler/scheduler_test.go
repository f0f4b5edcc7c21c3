package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/runstore"
	"git.home.luguber.info/inful/docexport/internal/staleness"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, time.UTC)
}

type fakeRegistry struct {
	sources []registry.Source
	err     error
}

func (r *fakeRegistry) Load(context.Context) ([]registry.Source, error) { return r.sources, r.err }

// fakeChecker marks every location stale unless listed in fresh.
type fakeChecker struct{ fresh map[string]bool }

func (c fakeChecker) EvaluateSource(src registry.Source) []staleness.LocationVerdict {
	out := make([]staleness.LocationVerdict, 0, len(src.Locations))
	for _, loc := range src.Locations {
		v := staleness.Verdict{NeedsExport: true, Reason: staleness.ReasonSourceUpdated}
		if c.fresh[loc.Raw] {
			v = staleness.Verdict{Reason: staleness.ReasonUpToDate}
		}
		out = append(out, staleness.LocationVerdict{Location: loc, Verdict: v})
	}
	return out
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	foreign  bool
	err      error
	acquires int
	releases int
}

func (l *fakeLocker) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.foreign || l.held {
		return false, nil
	}
	l.held = true
	l.acquires++
	return true, nil
}

func (l *fakeLocker) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		l.held = false
		l.releases++
	}
}

func (l *fakeLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// fakeDispatcher completes every batch on its own goroutine, or holds it
// until finish or Shutdown when hold is set.
type fakeDispatcher struct {
	mu       sync.Mutex
	hold     bool
	aborted  bool
	fillErr  error
	batches  [][]export.Task
	pending  func(aborted bool)
	draining atomic.Bool
}

func (d *fakeDispatcher) Fill(tasks []export.Task, onComplete func(export.Summary)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fillErr != nil {
		return d.fillErr
	}
	d.batches = append(d.batches, tasks)
	done := func(aborted bool) {
		d.draining.Store(false)
		sum := export.Summary{Total: len(tasks), Exported: len(tasks), Aborted: aborted}
		if aborted {
			sum.Exported = 0
			sum.Remaining = len(tasks)
		}
		onComplete(sum)
	}
	d.draining.Store(true)
	if d.hold {
		d.pending = done
		return nil
	}
	go done(d.aborted)
	return nil
}

func (d *fakeDispatcher) IsDraining() bool { return d.draining.Load() }

func (d *fakeDispatcher) Shutdown() { d.finish(true) }

func (d *fakeDispatcher) finish(aborted bool) {
	d.mu.Lock()
	fn := d.pending
	d.pending = nil
	d.mu.Unlock()
	if fn != nil {
		go fn(aborted)
	}
}

func (d *fakeDispatcher) fills() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

type memStore struct {
	mu      sync.Mutex
	date    string
	lastErr string
	runs    []export.Summary
}

func (m *memStore) LastSuccessfulDate(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.date, m.date != "", nil
}

func (m *memStore) SetLastSuccessfulDate(_ context.Context, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.date = date
	return nil
}

func (m *memStore) SetLastError(_ context.Context, msg string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = msg
	return nil
}

func (m *memStore) RecordRun(_ context.Context, sum export.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, sum)
	return nil
}

type harness struct {
	sched      *Scheduler
	registry   *fakeRegistry
	locker     *fakeLocker
	dispatcher *fakeDispatcher
	store      *memStore
	completed  chan export.Summary
}

func oneSource() []registry.Source {
	return []registry.Source{{
		ID:             "plant",
		DestinationDir: "/exports/plant",
		Locations: []registry.Location{
			registry.ParseLocation("/docs/plant/Tower.md", ""),
			registry.ParseLocation("/docs/plant/Pump.md", ""),
		},
	}}
}

func newHarness(t *testing.T, lastDate string, mutate ...func(*harness, *Deps)) *harness {
	t.Helper()
	h := &harness{
		registry:   &fakeRegistry{sources: oneSource()},
		locker:     &fakeLocker{},
		dispatcher: &fakeDispatcher{},
		store:      &memStore{date: lastDate},
		completed:  make(chan export.Summary, 8),
	}
	deps := Deps{
		Registry:      h.registry,
		Checker:       fakeChecker{},
		Locker:        h.locker,
		Dispatcher:    h.dispatcher,
		Store:         h.store,
		Clock:         func() time.Time { return at(10, 9, 30) },
		OnRunComplete: func(s export.Summary) { h.completed <- s },
		DisableTicker: true,
	}
	for _, m := range mutate {
		m(h, &deps)
	}
	s, err := New(Config{Hour: 9, Minute: 0, Interval: time.Minute, Location: time.UTC}, deps)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	h.sched = s
	return h
}

func runOnce(t *testing.T, s *Scheduler, now time.Time) (export.Summary, bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.RunOnce(ctx, now)
}

func TestScheduledRunOncePerDay(t *testing.T) {
	h := newHarness(t, "2026-03-09")
	assert.Equal(t, "2026-03-09", h.sched.State().LastSuccessfulDate)

	sum, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, TriggerScheduled, sum.Trigger)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Exported)

	st := h.sched.State()
	assert.False(t, st.Running)
	assert.Equal(t, "2026-03-10", st.LastSuccessfulDate)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, sum.RunID, st.LastRun.RunID)
	assert.Equal(t, "2026-03-10", h.store.date)
	assert.False(t, h.locker.isHeld())

	_, ran, err = runOnce(t, h.sched, at(10, 9, 10))
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, h.dispatcher.fills())
	assert.Equal(t, 1, h.locker.acquires)
}

func TestNotDueBeforeScheduledTime(t *testing.T) {
	h := newHarness(t, "2026-03-09")
	_, ran, err := runOnce(t, h.sched, at(10, 8, 59))
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, h.locker.acquires)
}

func TestLateTickCatchesUp(t *testing.T) {
	h := newHarness(t, "2026-03-07")
	_, ran, err := runOnce(t, h.sched, at(10, 23, 45))
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, "2026-03-10", h.sched.State().LastSuccessfulDate)
}

func TestLockContentionIsNoop(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, _ *Deps) { h.locker.foreign = true })

	_, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)
	assert.False(t, ran)

	st := h.sched.State()
	assert.False(t, st.Running)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "2026-03-09", st.LastSuccessfulDate)
	assert.Zero(t, h.dispatcher.fills())
}

func TestLockFaultRecordedAsLastError(t *testing.T) {
	fault := ferrors.FileSystemError("write lock marker").Build()
	h := newHarness(t, "", func(h *harness, _ *Deps) { h.locker.err = fault })

	_, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.Error(t, err)
	assert.False(t, ran)
	assert.Contains(t, h.sched.State().LastError, "write lock marker")
}

func TestRegistryFailureAbortsRunAndReleasesLock(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, _ *Deps) {
		h.registry.err = ferrors.FileSystemError("registry unreadable").Build()
	})

	_, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.Error(t, err)
	assert.False(t, ran)

	st := h.sched.State()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "registry unreadable")
	require.NotNil(t, st.LastErrorAt)
	assert.Equal(t, "2026-03-09", st.LastSuccessfulDate)
	assert.False(t, h.locker.isHeld())
	assert.Equal(t, 1, h.locker.releases)
	assert.Contains(t, h.store.lastErr, "registry unreadable")

	// A later tick retries and clears the error.
	h.registry.err = nil
	_, ran, err = runOnce(t, h.sched, at(10, 9, 4))
	require.NoError(t, err)
	require.True(t, ran)
	assert.Empty(t, h.sched.State().LastError)
}

func TestFillFailureReleasesLock(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, _ *Deps) {
		h.dispatcher.fillErr = export.ErrShutdown
	})
	_, _, err := runOnce(t, h.sched, at(10, 9, 3))
	require.ErrorIs(t, err, export.ErrShutdown)
	assert.False(t, h.locker.isHeld())
	assert.False(t, h.sched.State().Running)
}

func TestUpToDateLocationsAreCountedButNotQueued(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(_ *harness, d *Deps) {
		d.Checker = fakeChecker{fresh: map[string]bool{"/docs/plant/Pump.md": true}}
	})

	sum, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)
	require.True(t, ran)

	require.Len(t, h.dispatcher.batches, 1)
	tasks := h.dispatcher.batches[0]
	require.Len(t, tasks, 1)
	assert.Equal(t, "/docs/plant/Tower.md", tasks[0].Location.Raw)
	assert.Equal(t, "plant", tasks[0].SourceID)
	assert.Equal(t, "/exports/plant", tasks[0].DestinationDir)

	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.UpToDate)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Exported)
}

func TestManualTriggerDoesNotAdvanceDate(t *testing.T) {
	h := newHarness(t, "2026-03-09")

	done, err := h.sched.TriggerNow(context.Background())
	require.NoError(t, err)

	select {
	case sum := <-done:
		assert.Equal(t, TriggerManual, sum.Trigger)
		assert.Equal(t, 2, sum.Exported)
	case <-time.After(5 * time.Second):
		t.Fatal("manual run did not complete")
	}
	assert.Equal(t, "2026-03-09", h.sched.State().LastSuccessfulDate)

	// The scheduled run for today still happens.
	_, ran, err := runOnce(t, h.sched, at(10, 9, 31))
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTriggerRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, _ *Deps) { h.dispatcher.hold = true })

	done, err := h.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.True(t, h.sched.State().Running)

	_, err = h.sched.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrRunning)

	h.dispatcher.finish(false)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}
	require.Eventually(t, func() bool { return !h.sched.State().Running }, time.Second, 5*time.Millisecond)
}

func TestTriggerRejectedWhenLockedElsewhere(t *testing.T) {
	h := newHarness(t, "", func(h *harness, _ *Deps) { h.locker.foreign = true })
	_, err := h.sched.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrLocked)
}

func TestAbortedRunDoesNotAdvanceDate(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, _ *Deps) { h.dispatcher.aborted = true })

	sum, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)
	require.True(t, ran)
	assert.True(t, sum.Aborted)
	assert.Equal(t, 2, sum.Remaining)
	assert.Equal(t, "2026-03-09", h.sched.State().LastSuccessfulDate)
	assert.False(t, h.locker.isHeld())
}

func TestRunWithTaskErrorsStillAdvancesDate(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, d *Deps) {
		d.Dispatcher = errorDispatcher{}
	})
	sum, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 2, sum.Errors)
	assert.Equal(t, "2026-03-10", h.sched.State().LastSuccessfulDate)
}

type errorDispatcher struct{}

func (errorDispatcher) Fill(tasks []export.Task, onComplete func(export.Summary)) error {
	go onComplete(export.Summary{Total: len(tasks), Errors: len(tasks)})
	return nil
}
func (errorDispatcher) IsDraining() bool { return false }
func (errorDispatcher) Shutdown()        {}

func TestRunCompletionHookAndHistory(t *testing.T) {
	h := newHarness(t, "2026-03-09")
	sum, _, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)

	select {
	case hooked := <-h.completed:
		assert.Equal(t, sum.RunID, hooked.RunID)
	case <-time.After(time.Second):
		t.Fatal("completion hook not called")
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.runs, 1)
	assert.Equal(t, sum.RunID, h.store.runs[0].RunID)
}

func TestPauseIgnoresScheduledTicks(t *testing.T) {
	var started atomic.Int32
	h := newHarness(t, "2026-03-09", func(_ *harness, d *Deps) {
		d.BeforeRun = func() { started.Add(1) }
		d.Clock = func() time.Time { return at(10, 9, 3) }
	})
	ctx := context.Background()
	cfg := Config{Hour: 9, Interval: time.Minute, Location: time.UTC}

	require.NoError(t, h.sched.Pause(ctx))
	h.sched.tick()
	// Reconfigure replies after every earlier message was handled.
	require.NoError(t, h.sched.Reconfigure(ctx, cfg))
	assert.True(t, h.sched.State().Paused)
	assert.Zero(t, started.Load())

	require.NoError(t, h.sched.Resume(ctx))
	h.sched.tick()
	require.NoError(t, h.sched.Reconfigure(ctx, cfg))
	assert.False(t, h.sched.State().Paused)
	assert.Equal(t, int32(1), started.Load())
}

func TestReconfigureUpdatesState(t *testing.T) {
	h := newHarness(t, "")
	err := h.sched.Reconfigure(context.Background(), Config{Hour: 6, Minute: 5, Interval: 10 * time.Minute, Location: time.UTC})
	require.NoError(t, err)
	st := h.sched.State()
	assert.Equal(t, "06:05", st.TimeOfDay)
	assert.Equal(t, 10*time.Minute, st.CheckInterval)

	err = h.sched.Reconfigure(context.Background(), Config{Hour: 6})
	require.Error(t, err)
}

func TestStopAbortsActiveRunAndReleasesLock(t *testing.T) {
	h := newHarness(t, "2026-03-09", func(h *harness, _ *Deps) { h.dispatcher.hold = true })

	done, err := h.sched.TriggerNow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	sum := <-done
	assert.True(t, sum.Aborted)
	assert.False(t, h.locker.isHeld())

	_, err = h.sched.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{Interval: time.Minute}, Deps{})
	require.Error(t, err)

	_, err = New(Config{}, Deps{
		Registry: &fakeRegistry{}, Checker: fakeChecker{}, Locker: &fakeLocker{}, Dispatcher: &fakeDispatcher{},
	})
	require.Error(t, err)
}

func TestCallsBeforeStartFail(t *testing.T) {
	s, err := New(Config{Interval: time.Minute}, Deps{
		Registry: &fakeRegistry{}, Checker: fakeChecker{}, Locker: &fakeLocker{}, Dispatcher: &fakeDispatcher{},
	})
	require.NoError(t, err)
	_, err = s.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartRestoresDateFromRunStore(t *testing.T) {
	store, err := runstore.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.SetLastSuccessfulDate(ctx, "2026-03-10"))

	h := newHarness(t, "", func(_ *harness, d *Deps) { d.Store = store })
	assert.Equal(t, "2026-03-10", h.sched.State().LastSuccessfulDate)

	_, ran, err := runOnce(t, h.sched, at(10, 9, 3))
	require.NoError(t, err)
	assert.False(t, ran)

	_, ran, err = runOnce(t, h.sched, at(11, 9, 3))
	require.NoError(t, err)
	require.True(t, ran)

	date, ok, err := store.LastSuccessfulDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-03-11", date)

	runs, err := store.RecentRuns(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestIsDue(t *testing.T) {
	cfg := Config{Hour: 9, Minute: 0, Interval: time.Minute, Location: time.UTC}
	tests := []struct {
		name string
		now  time.Time
		last string
		want bool
	}{
		{"before scheduled time", at(10, 8, 59), "2026-03-09", false},
		{"at scheduled time", at(10, 9, 0), "2026-03-09", true},
		{"after scheduled time", at(10, 14, 0), "2026-03-09", true},
		{"already ran today", at(10, 9, 10), "2026-03-10", false},
		{"never ran", at(10, 9, 1), "", true},
		{"missed several days", at(10, 23, 59), "2026-03-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.isDue(tt.now, tt.last))
		})
	}
}

func TestIsDueUsesScheduleTimezone(t *testing.T) {
	oslo, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cfg := Config{Hour: 9, Interval: time.Minute, Location: oslo}
	// 08:30 UTC is 09:30 in Oslo in March (CET).
	assert.True(t, cfg.isDue(at(10, 8, 30), "2026-03-09"))
	assert.False(t, cfg.isDue(at(10, 7, 30), "2026-03-09"))
	assert.Equal(t, "2026-03-11", cfg.dateOf(at(10, 23, 30)))
}

func TestErrorsAreClassified(t *testing.T) {
	assert.True(t, ferrors.HasCategory(ErrRunning, ferrors.CategoryLock))
	assert.False(t, errors.Is(ErrRunning, ErrLocked))
}
