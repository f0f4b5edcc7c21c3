// Package daemon hosts the export service: one Service per process wiring
// the scheduler, dispatcher and lock, plus the admin HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/docexport/internal/config"
	"git.home.luguber.info/inful/docexport/internal/converter"
	"git.home.luguber.info/inful/docexport/internal/daemon/events"
	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/hostloop"
	"git.home.luguber.info/inful/docexport/internal/lockguard"
	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/logsink"
	"git.home.luguber.info/inful/docexport/internal/metrics"
	"git.home.luguber.info/inful/docexport/internal/notify"
	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/retry"
	"git.home.luguber.info/inful/docexport/internal/runstore"
	"git.home.luguber.info/inful/docexport/internal/scheduler"
	"git.home.luguber.info/inful/docexport/internal/staleness"
	"git.home.luguber.info/inful/docexport/internal/version"
)

// Status represents the lifecycle state of the service.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Options select which surfaces a Service runs. The zero value is a one-shot
// service: no polling tick, no admin HTTP, no config watcher.
type Options struct {
	// ConfigPath is watched for schedule changes when WatchConfig is set.
	ConfigPath  string
	WatchConfig bool
	// Ticker enables the gocron polling tick.
	Ticker bool
	// AdminHTTP serves the admin API on cfg.Daemon.AdminAddr.
	AdminHTTP bool
	// Diagnostic forces diagnostic mode regardless of configuration.
	Diagnostic bool
	// Converter overrides the converter built from configuration.
	Converter export.Converter
	// LogSink is pruned before every run.
	LogSink *logsink.DailyWriter
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Service is the single export service instance of a process. It is
// constructed once and owns every component of the export pipeline.
type Service struct {
	life      sync.Mutex // serializes Start and Stop
	mu        sync.RWMutex
	cfg       *config.Config
	opts      Options
	logger    *slog.Logger
	clock     func() time.Time
	status    atomic.Value
	startTime time.Time

	guard      *lockguard.Guard
	host       *hostloop.Loop
	dispatcher *export.Dispatcher
	sched      *scheduler.Scheduler
	store      *runstore.Store
	recorder   metrics.Recorder
	promReg    *prometheus.Registry
	publisher  notify.Publisher
	bus        *events.Bus
	admin      *adminServer
	watcher    *ConfigWatcher

	// ctx is handed to converters; canceled last on Stop.
	ctx    context.Context
	cancel context.CancelFunc
	subs   sync.WaitGroup
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, ferrors.ValidationError("configuration is required").Build()
	}
	if cfg.Lock.Dir == "" {
		return nil, ferrors.ConfigError("lock.dir is required").Build()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	schedCfg, err := scheduler.ConfigFrom(cfg.Schedule)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "invalid schedule").Build()
	}

	reg, err := registry.New(cfg.Registry.Dir, cfg.Registry.LegacyEncoding, logger)
	if err != nil {
		return nil, err
	}

	conv := opts.Converter
	if conv == nil {
		if conv, err = converter.FromConfig(cfg); err != nil {
			return nil, err
		}
	}

	guard := lockguard.New(cfg.Lock.Dir,
		lockguard.WithTimeout(cfg.Lock.TimeoutDuration()),
		lockguard.WithLogger(logger))
	if err := guard.Prepare(); err != nil {
		return nil, err
	}

	store, err := runstore.Open(cfg.State.Path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInfrastructure, "open run state store").
			WithContext("path", cfg.State.Path).Fatal().Build()
	}

	s := &Service{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		clock:   clock,
		guard:   guard,
		store:   store,
		promReg: metrics.NewRegistry(),
		bus:     events.NewBus(),
	}
	s.status.Store(StatusStopped)
	s.recorder = metrics.NewPrometheusRecorder(s.promReg)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mode := export.ModeExport
	if opts.Diagnostic || cfg.Export.Mode == config.ExportModeDiagnostic {
		mode = export.ModeDiagnostic
	}

	s.host = hostloop.New(logger)
	s.dispatcher, err = export.NewDispatcher(s.host, conv,
		export.WithMode(mode),
		export.WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		export.WithRecorder(s.recorder),
		export.WithLogger(logger),
		export.WithContext(s.ctx),
		export.WithClock(clock))
	if err != nil {
		s.closeResources()
		return nil, err
	}

	s.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Registry:      reg,
		Checker:       staleness.NewChecker(cfg.Export.ArtifactExtension, staleness.WithLogger(logger)),
		Locker:        s.guard,
		Dispatcher:    s.dispatcher,
		Store:         store,
		Recorder:      s.recorder,
		Logger:        logger,
		Clock:         clock,
		BeforeRun:     s.pruneRetained,
		OnRunComplete: s.runCompleted,
		DisableTicker: !opts.Ticker,
	})
	if err != nil {
		s.closeResources()
		return nil, err
	}

	if opts.AdminHTTP {
		s.admin = newAdminServer(cfg.Daemon.AdminAddr, s)
	}
	if opts.WatchConfig && opts.ConfigPath != "" {
		s.watcher, err = NewConfigWatcher(opts.ConfigPath, s, logger)
		if err != nil {
			s.closeResources()
			return nil, err
		}
	}
	return s, nil
}

// Start launches the host loop, the scheduler and the optional surfaces.
func (s *Service) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.GetStatus() != StatusStopped {
		return ferrors.RuntimeError(fmt.Sprintf("service is not stopped: %s", s.GetStatus())).Build()
	}
	s.status.Store(StatusStarting)
	s.startTime = time.Now()
	cfg := s.GetConfig()

	pub, err := notify.New(ctx, cfg.Notify, s.logger)
	if err != nil {
		s.logger.Warn("Run notifications disabled", logfields.Error(err))
		pub = notify.Noop{}
	}
	s.publisher = pub

	s.host.Start(s.ctx)
	if err := s.sched.Start(ctx); err != nil {
		s.status.Store(StatusStopped)
		return err
	}
	s.startSubscribers()

	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			s.status.Store(StatusStopped)
			return ferrors.WrapError(err, ferrors.CategoryInfrastructure, "start admin HTTP server").
				WithContext("addr", cfg.Daemon.AdminAddr).Fatal().Build()
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Start(s.ctx); err != nil {
			s.logger.Error("Failed to start config watcher", logfields.Error(err))
		}
	}

	s.status.Store(StatusRunning)
	attrs := []any{
		slog.String("version", version.Version),
		slog.String("registry", cfg.Registry.Dir),
		slog.String("lock", s.guard.Path()),
		slog.String("mode", string(s.dispatcher.Mode())),
	}
	if s.admin != nil {
		attrs = append(attrs, slog.String("admin_addr", s.admin.Addr()))
	}
	s.logger.Info("Export service started", attrs...)
	return nil
}

// Stop shuts the service down. An active run finishes its current task,
// completes as aborted and releases the lock before Stop returns.
func (s *Service) Stop(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	switch s.GetStatus() {
	case StatusStopped, StatusStopping:
		return nil
	}
	s.status.Store(StatusStopping)
	s.logger.Info("Stopping export service")

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error("Failed to stop config watcher", logfields.Error(err))
		}
	}
	if s.admin != nil {
		if err := s.admin.Stop(ctx); err != nil {
			s.logger.Error("Failed to stop admin HTTP server", logfields.Error(err))
		}
	}
	if err := s.sched.Stop(ctx); err != nil {
		s.logger.Warn("Scheduler did not stop cleanly", logfields.Error(err))
	}
	if err := s.host.Stop(ctx); err != nil {
		s.logger.Warn("Host loop did not drain", logfields.Error(err))
	}
	s.bus.Close()
	s.subs.Wait()
	s.closeResources()

	s.status.Store(StatusStopped)
	s.logger.Info("Export service stopped", slog.Duration("uptime", time.Since(s.startTime)))
	return nil
}

func (s *Service) closeResources() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("Failed to close notifier", logfields.Error(err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Failed to close run state store", logfields.Error(err))
	}
	s.cancel()
}

// GetStatus returns the lifecycle state.
func (s *Service) GetStatus() Status {
	st, _ := s.status.Load().(Status)
	return st
}

// GetConfig returns the active configuration.
func (s *Service) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Scheduler exposes the scheduler for run commands and tests.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// RunScheduled performs one scheduled check now and waits for the run, if
// one was due and the lock was free.
func (s *Service) RunScheduled(ctx context.Context) (export.Summary, bool, error) {
	return s.sched.RunOnce(ctx, s.clock())
}

// RunNow starts a manual run and waits for its summary.
func (s *Service) RunNow(ctx context.Context) (export.Summary, error) {
	done, err := s.sched.TriggerNow(ctx)
	if err != nil {
		return export.Summary{}, err
	}
	select {
	case sum, ok := <-done:
		if !ok {
			return export.Summary{}, ferrors.RuntimeError("run ended without a summary").Build()
		}
		return sum, nil
	case <-ctx.Done():
		return export.Summary{}, ctx.Err()
	}
}

// RequestExport asks for a manual run asynchronously.
func (s *Service) RequestExport(ctx context.Context, reason string) error {
	return s.bus.Publish(ctx, events.ExportRequested{Reason: reason, RequestedAt: time.Now()})
}

// ReloadConfig applies a changed configuration. Only the schedule is applied
// live; other changes are logged and take effect on restart.
func (s *Service) ReloadConfig(ctx context.Context, next *config.Config) error {
	schedCfg, err := scheduler.ConfigFrom(next.Schedule)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid schedule").Build()
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = next
	s.mu.Unlock()

	if prev.Schedule != next.Schedule {
		if err := s.sched.Reconfigure(ctx, schedCfg); err != nil {
			s.mu.Lock()
			s.cfg = prev
			s.mu.Unlock()
			return err
		}
	}
	if prev.Registry != next.Registry || prev.Lock != next.Lock || prev.State != next.State ||
		prev.Daemon != next.Daemon || prev.Converter.Type != next.Converter.Type {
		s.logger.Warn("Configuration changes outside schedule require a restart")
	}
	return nil
}

// StatusReport is served by /api/status.
type StatusReport struct {
	Status     Status             `json:"status"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime,omitempty"`
	Mode       export.Mode        `json:"mode"`
	Scheduler  scheduler.RunState `json:"scheduler"`
	Draining   bool               `json:"draining"`
	QueueDepth int                `json:"host_queue_depth"`
	Lock       LockInfo           `json:"lock"`
	RecentRuns []export.Summary   `json:"recent_runs,omitempty"`
}

// LockInfo describes the lock marker as seen on disk.
type LockInfo struct {
	Path       string     `json:"path"`
	Present    bool       `json:"present"`
	HeldHere   bool       `json:"held_here"`
	Owner      string     `json:"owner,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
}

// Report assembles the current status.
func (s *Service) Report(ctx context.Context) StatusReport {
	r := StatusReport{
		Status:     s.GetStatus(),
		Version:    version.Version,
		Mode:       s.dispatcher.Mode(),
		Scheduler:  s.sched.State(),
		Draining:   s.dispatcher.IsDraining(),
		QueueDepth: s.host.Pending(),
		Lock:       InspectLock(s.guard),
	}
	if r.Status == StatusRunning {
		r.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}
	runs, err := s.store.RecentRuns(ctx, 10)
	if err != nil {
		s.logger.Warn("Failed to read run history", logfields.Error(err))
	}
	r.RecentRuns = runs
	return r
}

// InspectLock reads the marker guarded by g.
func InspectLock(g *lockguard.Guard) LockInfo {
	info := LockInfo{Path: g.Path(), HeldHere: g.Held()}
	m, ok, err := g.Inspect()
	if err != nil || !ok {
		return info
	}
	info.Present = true
	info.Owner = m.Owner
	if !m.AcquiredAt.IsZero() {
		at := m.AcquiredAt
		info.AcquiredAt = &at
	}
	return info
}

// pruneRetained drops log files and run history older than the retention window.
func (s *Service) pruneRetained() {
	retention := s.GetConfig().Logging.Retention()
	if s.opts.LogSink != nil {
		removed, err := s.opts.LogSink.Prune(retention)
		if err != nil {
			s.logger.Warn("Failed to prune log files", logfields.Error(err))
		} else if len(removed) > 0 {
			s.logger.Info("Pruned old log files", slog.Int("count", len(removed)))
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	n, err := s.store.Prune(ctx, s.clock().Add(-retention))
	if err != nil {
		s.logger.Warn("Failed to prune run history", logfields.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Pruned old runs", slog.Int64("count", n))
	}
}

// runCompleted runs on the scheduler loop and must not block it for long.
func (s *Service) runCompleted(sum export.Summary) {
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, events.RunCompleted{Summary: sum, CompletedAt: time.Now()}); err != nil {
		s.logger.Warn("Failed to publish run completion", logfields.RunID(sum.RunID), logfields.Error(err))
	}
}

func (s *Service) startSubscribers() {
	requests, _ := events.Subscribe[events.ExportRequested](s.bus, 4)
	completions, _ := events.Subscribe[events.RunCompleted](s.bus, 16)

	s.subs.Add(2)
	go func() {
		defer s.subs.Done()
		for req := range requests {
			s.logger.Info("Export requested", slog.String("reason", req.Reason))
			if _, err := s.sched.TriggerNow(s.ctx); err != nil {
				s.logger.Warn("Requested export not started", logfields.Error(err))
			}
		}
	}()
	go func() {
		defer s.subs.Done()
		for evt := range completions {
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			if err := s.publisher.PublishRun(ctx, evt.Summary); err != nil {
				s.logger.Warn("Failed to publish run summary", logfields.RunID(evt.Summary.RunID), logfields.Error(err))
			}
			cancel()
		}
	}()
}
