// Package scheduler decides once per tick whether today's export run is due
// and drives it from lock acquisition to release.
//
// All RunState mutation happens on a single loop goroutine. Everything else
// posts messages to that loop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/metrics"
	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/staleness"
)

var (
	// ErrRunning is returned by TriggerNow while a run is active.
	ErrRunning = ferrors.LockContention("export run already in progress").Build()
	// ErrLocked is returned by TriggerNow when another process holds the lock.
	ErrLocked = ferrors.LockContention("export lock held by another run").Build()
	// ErrNotStarted is returned when the scheduler loop is not running.
	ErrNotStarted = ferrors.RuntimeError("scheduler not started").Build()
)

// Registry enumerates tracked sources.
type Registry interface {
	Load(ctx context.Context) ([]registry.Source, error)
}

// Checker decides per location whether an export is needed.
type Checker interface {
	EvaluateSource(src registry.Source) []staleness.LocationVerdict
}

// Locker provides cross-process mutual exclusion.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release()
}

// Dispatcher drains a batch of tasks.
type Dispatcher interface {
	Fill(tasks []export.Task, onComplete func(export.Summary)) error
	IsDraining() bool
	Shutdown()
}

// Store persists the watermark and run history.
type Store interface {
	LastSuccessfulDate(ctx context.Context) (string, bool, error)
	SetLastSuccessfulDate(ctx context.Context, date string) error
	SetLastError(ctx context.Context, msg string, at time.Time) error
	RecordRun(ctx context.Context, sum export.Summary) error
}

// Deps are the collaborators of a Scheduler. Registry, Checker, Locker and
// Dispatcher are required.
type Deps struct {
	Registry   Registry
	Checker    Checker
	Locker     Locker
	Dispatcher Dispatcher
	Store      Store
	Recorder   metrics.Recorder
	Logger     *slog.Logger
	Clock      func() time.Time

	// BeforeRun runs on the loop after the lock is acquired.
	BeforeRun func()
	// OnRunComplete runs on the loop after the lock is released.
	OnRunComplete func(export.Summary)
	// DisableTicker leaves ticks to RunOnce.
	DisableTicker bool
}

type message any

type tickMsg struct{ now time.Time }

type runOnceMsg struct {
	now   time.Time
	reply chan error
	done  chan export.Summary
}

type triggerMsg struct {
	reply chan error
	done  chan export.Summary
}

type completeMsg struct{ summary export.Summary }

type pauseMsg struct{ paused bool }

type waitIdleMsg struct{ done chan export.Summary }

type reconfigureMsg struct {
	cfg   Config
	reply chan error
}

type activeRun struct {
	id        string
	trigger   string
	date      string
	startedAt time.Time
	upToDate  int
	waiters   []chan export.Summary
}

// Scheduler owns RunState and the polling tick.
type Scheduler struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	inbox    chan message
	loopDone chan struct{}
	cancel   context.CancelFunc
	started  atomic.Bool
	stopOnce sync.Once
	snapshot atomic.Pointer[RunState]
	ticker   *ticker

	// loop-owned
	cfg   Config
	state RunState
	run   *activeRun
}

// New creates a scheduler. Start must be called before ticks are processed.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Registry == nil || deps.Checker == nil || deps.Locker == nil || deps.Dispatcher == nil {
		return nil, ferrors.ValidationError("scheduler requires registry, checker, locker and dispatcher").Build()
	}
	if cfg.Interval <= 0 {
		return nil, ferrors.ValidationError("check interval must be > 0").Build()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	s := &Scheduler{
		deps:     deps,
		logger:   deps.Logger,
		now:      deps.Clock,
		inbox:    make(chan message, 64),
		loopDone: make(chan struct{}),
		cfg:      cfg,
		state:    RunState{TimeOfDay: cfg.TimeOfDay(), CheckInterval: cfg.Interval},
	}
	s.publish()
	return s, nil
}

// Start restores the persisted watermark, then launches the loop and, unless
// disabled, the polling tick. The loop outlives ctx; call Stop to end it.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if s.deps.Store != nil {
		date, ok, err := s.deps.Store.LastSuccessfulDate(ctx)
		if err != nil {
			s.logger.Warn("Failed to load last successful date; assuming none", logfields.Error(err))
		} else if ok {
			s.state.LastSuccessfulDate = date
			s.publish()
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.loop(loopCtx)

	if !s.deps.DisableTicker {
		t, err := newTicker(s.cfg.location(), s.cfg.Interval, s.tick)
		if err != nil {
			cancel()
			<-s.loopDone
			return ferrors.WrapError(err, ferrors.CategoryInfrastructure, "start scheduler tick").Fatal().Build()
		}
		s.ticker = t
		t.start()
	}
	s.logger.Info("Scheduler started",
		slog.String("time_of_day", s.cfg.TimeOfDay()),
		slog.Duration("check_interval", s.cfg.Interval),
		slog.String("last_successful_date", s.state.LastSuccessfulDate))
	return nil
}

// Stop halts ticking, aborts an active batch after its current task, waits
// for the run to be released and ends the loop, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		if s.ticker != nil {
			if terr := s.ticker.stop(); terr != nil {
				s.logger.Warn("Failed to stop scheduler tick", logfields.Error(terr))
			}
		}
		s.deps.Dispatcher.Shutdown()

		idle := make(chan export.Summary, 1)
		if err = s.send(ctx, waitIdleMsg{done: idle}); err == nil {
			select {
			case <-idle:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		s.cancel()
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		s.logger.Info("Scheduler stopped")
	})
	return err
}

// State returns a snapshot of RunState. Safe from any goroutine.
func (s *Scheduler) State() RunState {
	return *s.snapshot.Load()
}

// Pause stops scheduled ticks from starting runs. Manual triggers still work.
func (s *Scheduler) Pause(ctx context.Context) error { return s.send(ctx, pauseMsg{paused: true}) }

// Resume re-enables scheduled runs.
func (s *Scheduler) Resume(ctx context.Context) error { return s.send(ctx, pauseMsg{paused: false}) }

// Reconfigure replaces the schedule. A changed interval reschedules the tick.
func (s *Scheduler) Reconfigure(ctx context.Context, cfg Config) error {
	if cfg.Interval <= 0 {
		return ferrors.ValidationError("check interval must be > 0").Build()
	}
	reply := make(chan error, 1)
	if err := s.send(ctx, reconfigureMsg{cfg: cfg, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// TriggerNow starts a manual run regardless of the schedule. It still
// requires that no run is active and that the lock is free. The returned
// channel receives the summary when the run completes. Manual runs never
// advance the last successful date.
func (s *Scheduler) TriggerNow(ctx context.Context) (<-chan export.Summary, error) {
	done := make(chan export.Summary, 1)
	reply := make(chan error, 1)
	if err := s.send(ctx, triggerMsg{reply: reply, done: done}); err != nil {
		return nil, err
	}
	if err := s.await(ctx, reply); err != nil {
		return nil, err
	}
	return done, nil
}

// RunOnce performs a single scheduled check at now and, if a run started,
// waits for it to finish. ran is false when nothing was due or another
// process held the lock.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (sum export.Summary, ran bool, err error) {
	done := make(chan export.Summary, 1)
	reply := make(chan error, 1)
	if err := s.send(ctx, runOnceMsg{now: now, reply: reply, done: done}); err != nil {
		return export.Summary{}, false, err
	}
	if err := s.await(ctx, reply); err != nil {
		if errors.Is(err, errNoRun) {
			return export.Summary{}, false, nil
		}
		return export.Summary{}, false, err
	}
	select {
	case sum = <-done:
		return sum, true, nil
	case <-ctx.Done():
		return export.Summary{}, true, ctx.Err()
	}
}

// errNoRun is replied when a check ran but no run was started.
var errNoRun = ferrors.NewError(ferrors.CategoryRuntime, "no run started").Info().Build()

func (s *Scheduler) send(ctx context.Context, m message) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	select {
	case s.inbox <- m:
		return nil
	case <-s.loopDone:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.loopDone:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick runs on the gocron goroutine.
func (s *Scheduler) tick() {
	select {
	case s.inbox <- tickMsg{now: s.now()}:
	default:
		s.logger.Debug("Scheduler busy; dropping tick")
	}
}

// onBatchComplete runs on the dispatcher host.
func (s *Scheduler) onBatchComplete(sum export.Summary) {
	select {
	case <-s.loopDone:
		s.logger.Warn("Run completed after scheduler stopped; releasing lock")
		s.deps.Locker.Release()
		return
	default:
	}
	select {
	case s.inbox <- completeMsg{summary: sum}:
	case <-s.loopDone:
		s.logger.Warn("Run completed after scheduler stopped; releasing lock")
		s.deps.Locker.Release()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			s.handle(ctx, m)
		}
	}
}

// handle applies one message. Replies are sent after the snapshot is
// published so callers observe the state they caused.
func (s *Scheduler) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case tickMsg:
		if s.state.Paused {
			s.logger.Debug("Scheduler paused; ignoring tick")
			return
		}
		_ = s.handleTick(ctx, m.now, nil)
		s.publish()
	case runOnceMsg:
		err := s.handleTick(ctx, m.now, m.done)
		s.publish()
		m.reply <- err
	case triggerMsg:
		err := s.handleTrigger(ctx, m.done)
		s.publish()
		m.reply <- err
	case completeMsg:
		s.handleComplete(ctx, m.summary)
	case pauseMsg:
		if s.state.Paused != m.paused {
			s.state.Paused = m.paused
			s.logger.Info("Scheduler pause state changed", slog.Bool("paused", m.paused))
		}
		s.publish()
	case waitIdleMsg:
		if s.run == nil {
			close(m.done)
		} else {
			s.run.waiters = append(s.run.waiters, m.done)
		}
	case reconfigureMsg:
		err := s.handleReconfigure(m.cfg)
		s.publish()
		m.reply <- err
	}
}

// handleTick returns errNoRun when no run was started for a benign
// reason, nil when a run started, and the failure otherwise.
func (s *Scheduler) handleTick(ctx context.Context, now time.Time, done chan export.Summary) error {
	if s.run != nil {
		s.logger.Debug("Export run in progress; skipping check", logfields.RunID(s.run.id))
		return errNoRun
	}
	if !s.cfg.isDue(now, s.state.LastSuccessfulDate) {
		return errNoRun
	}
	err := s.begin(ctx, now, TriggerScheduled, done)
	if errors.Is(err, ErrLocked) {
		return errNoRun
	}
	return err
}

func (s *Scheduler) handleTrigger(ctx context.Context, done chan export.Summary) error {
	if s.run != nil || s.deps.Dispatcher.IsDraining() {
		return ErrRunning
	}
	return s.begin(ctx, s.now(), TriggerManual, done)
}

func (s *Scheduler) begin(ctx context.Context, now time.Time, trigger string, done chan export.Summary) error {
	ok, err := s.deps.Locker.TryAcquire(ctx)
	if err != nil {
		s.recordError(ctx, now, err)
		return err
	}
	if !ok {
		s.logger.Debug("Export lock held elsewhere; skipping", logfields.Trigger(trigger))
		s.deps.Recorder.IncLockContention()
		return ErrLocked
	}

	run := &activeRun{
		id:        uuid.NewString(),
		trigger:   trigger,
		date:      s.cfg.dateOf(now),
		startedAt: now,
	}
	s.run = run
	s.state.Running = true
	s.state.RunID = run.id
	s.state.Trigger = trigger
	started := now
	s.state.RunStartedAt = &started

	if s.deps.BeforeRun != nil {
		s.deps.BeforeRun()
	}

	sources, err := s.deps.Registry.Load(ctx)
	if err != nil {
		s.abort(ctx, now, err)
		return err
	}
	tasks, upToDate := s.plan(run, sources)
	run.upToDate = upToDate
	if done != nil {
		run.waiters = append(run.waiters, done)
	}

	s.logger.Info("Export run started",
		logfields.RunID(run.id), logfields.Trigger(trigger),
		slog.Int("sources", len(sources)), slog.Int("tasks", len(tasks)), slog.Int("up_to_date", upToDate))

	if err := s.deps.Dispatcher.Fill(tasks, s.onBatchComplete); err != nil {
		s.abort(ctx, now, err)
		return err
	}
	return nil
}

func (s *Scheduler) plan(run *activeRun, sources []registry.Source) ([]export.Task, int) {
	var (
		tasks    []export.Task
		upToDate int
	)
	for _, src := range sources {
		for _, lv := range s.deps.Checker.EvaluateSource(src) {
			s.logger.Debug("Staleness verdict",
				logfields.RunID(run.id), logfields.SourceID(src.ID), logfields.Location(lv.Location.Raw),
				logfields.Reason(string(lv.Verdict.Reason)), slog.Bool("needs_export", lv.Verdict.NeedsExport))
			if !lv.Verdict.NeedsExport {
				upToDate++
				continue
			}
			tasks = append(tasks, export.Task{
				SourceID:       src.ID,
				Location:       lv.Location,
				DestinationDir: src.DestinationDir,
				Verdict:        lv.Verdict,
			})
		}
	}
	return tasks, upToDate
}

// abort ends a run that failed before or while filling the queue.
func (s *Scheduler) abort(ctx context.Context, now time.Time, err error) {
	run := s.run
	s.deps.Locker.Release()
	s.run = nil
	s.state.Running = false
	s.state.RunID = ""
	s.state.Trigger = ""
	s.state.RunStartedAt = nil
	s.recordError(ctx, now, err)
	s.deps.Recorder.IncRunStatus(run.trigger, metrics.RunFailed)
	s.logger.Error("Export run aborted", logfields.RunID(run.id), logfields.Trigger(run.trigger), logfields.Error(err))
	for _, w := range run.waiters {
		close(w)
	}
}

func (s *Scheduler) recordError(ctx context.Context, now time.Time, err error) {
	at := now
	s.state.LastError = err.Error()
	s.state.LastErrorAt = &at
	if s.deps.Store != nil {
		if serr := s.deps.Store.SetLastError(ctx, err.Error(), now); serr != nil {
			s.logger.Warn("Failed to persist last error", logfields.Error(serr))
		}
	}
}

func (s *Scheduler) handleComplete(ctx context.Context, sum export.Summary) {
	run := s.run
	if run == nil {
		s.logger.Warn("Completion without an active run; ignoring")
		return
	}
	sum.RunID = run.id
	sum.Trigger = run.trigger
	sum.StartedAt = run.startedAt
	sum.AddUpToDate(run.upToDate)
	sum.Elapsed = s.now().Sub(run.startedAt)

	if run.trigger == TriggerScheduled && !sum.Aborted {
		s.state.LastSuccessfulDate = run.date
		if s.deps.Store != nil {
			if err := s.deps.Store.SetLastSuccessfulDate(ctx, run.date); err != nil {
				s.logger.Error("Failed to persist last successful date", logfields.Error(err))
			}
		}
	}
	if !sum.Aborted && s.state.LastError != "" {
		s.state.LastError = ""
		s.state.LastErrorAt = nil
		if s.deps.Store != nil {
			_ = s.deps.Store.SetLastError(ctx, "", s.now())
		}
	}

	s.deps.Locker.Release()
	s.run = nil
	s.state.Running = false
	s.state.RunID = ""
	s.state.Trigger = ""
	s.state.RunStartedAt = nil
	last := sum
	last.Outcomes = nil
	s.state.LastRun = &last

	s.logSummary(sum)
	status := metrics.RunCompleted
	if sum.Aborted {
		status = metrics.RunAborted
	}
	s.deps.Recorder.IncRunStatus(sum.Trigger, status)
	s.deps.Recorder.ObserveRunDuration(sum.Trigger, sum.Elapsed)

	if s.deps.Store != nil {
		if err := s.deps.Store.RecordRun(ctx, sum); err != nil {
			s.logger.Warn("Failed to record run history", logfields.RunID(sum.RunID), logfields.Error(err))
		}
	}
	s.publish()
	if s.deps.OnRunComplete != nil {
		s.deps.OnRunComplete(sum)
	}
	for _, w := range run.waiters {
		w <- sum
	}
}

func (s *Scheduler) logSummary(sum export.Summary) {
	attrs := []any{
		logfields.RunID(sum.RunID),
		logfields.Trigger(sum.Trigger),
		slog.Int("total", sum.Total),
		slog.Int("exported", sum.Exported),
		slog.Int("skipped", sum.Skipped),
		slog.Int("errors", sum.Errors),
		logfields.Duration(sum.Elapsed),
	}
	switch {
	case sum.Aborted:
		s.logger.Warn("Export run aborted before completion", append(attrs, slog.Int("remaining", sum.Remaining))...)
	case sum.Errors > 0:
		s.logger.Warn("Export run finished with errors", attrs...)
	default:
		s.logger.Info("Export run finished", attrs...)
	}
}

func (s *Scheduler) handleReconfigure(cfg Config) error {
	if s.ticker != nil && cfg.Interval != s.cfg.Interval {
		if err := s.ticker.setInterval(cfg.Interval); err != nil {
			return err
		}
	}
	s.cfg = cfg
	s.state.TimeOfDay = cfg.TimeOfDay()
	s.state.CheckInterval = cfg.Interval
	s.logger.Info("Schedule updated",
		slog.String("time_of_day", cfg.TimeOfDay()), slog.Duration("check_interval", cfg.Interval))
	return nil
}

func (s *Scheduler) publish() {
	st := s.state
	s.snapshot.Store(&st)
}
