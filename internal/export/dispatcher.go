package export

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/metrics"
	"git.home.luguber.info/inful/docexport/internal/retry"
)

var (
	// ErrBusy is returned by Fill while a batch is draining.
	ErrBusy = ferrors.RuntimeError("export batch already draining").Build()
	// ErrShutdown is returned by Fill after Shutdown.
	ErrShutdown = ferrors.RuntimeError("export dispatcher shut down").Build()
)

// Host executes posted funcs one at a time in posting order. *hostloop.Loop implements it.
type Host interface {
	Post(fn func()) error
}

// Dispatcher drains a batch of tasks through a Converter on the host, exactly
// one task per host turn. Queue state is only touched from host turns; the
// draining flag may be read from any goroutine.
type Dispatcher struct {
	host     Host
	conv     Converter
	mode     Mode
	policy   retry.Policy
	recorder metrics.Recorder
	logger   *slog.Logger
	ctx      context.Context
	now      func() time.Time

	draining atomic.Bool
	shutdown atomic.Bool

	// host-owned
	pending    []Task
	cursor     int
	attempts   int
	retryTimer *time.Timer
	summary    Summary
	started    time.Time
	onComplete func(Summary)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMode selects export or diagnostic mode.
func WithMode(m Mode) Option { return func(d *Dispatcher) { d.mode = m } }

// WithRetryPolicy sets the policy for transient converter failures.
func WithRetryPolicy(p retry.Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithContext sets the context handed to the converter. Cancellation is not
// observed between tasks; use Shutdown to stop a batch.
func WithContext(ctx context.Context) Option { return func(d *Dispatcher) { d.ctx = ctx } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher creates a dispatcher posting its work to host.
func NewDispatcher(host Host, conv Converter, opts ...Option) (*Dispatcher, error) {
	if host == nil {
		return nil, ferrors.ValidationError("dispatcher host is required").Build()
	}
	if conv == nil {
		return nil, ferrors.ValidationError("dispatcher converter is required").Build()
	}
	d := &Dispatcher{
		host:     host,
		conv:     conv,
		mode:     ModeExport,
		policy:   retry.DefaultPolicy(),
		recorder: metrics.NoopRecorder{},
		logger:   slog.Default(),
		ctx:      context.Background(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Mode returns the configured mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// IsDraining reports whether a batch is in progress. Safe from any goroutine.
func (d *Dispatcher) IsDraining() bool { return d.draining.Load() }

// Fill installs a new batch and starts draining it. onComplete fires exactly
// once on the host when the batch finishes or is aborted.
func (d *Dispatcher) Fill(tasks []Task, onComplete func(Summary)) error {
	if onComplete == nil {
		return ferrors.ValidationError("completion callback is required").Build()
	}
	if d.shutdown.Load() {
		return ErrShutdown
	}
	if !d.draining.CompareAndSwap(false, true) {
		return ErrBusy
	}

	batch := make([]Task, len(tasks))
	copy(batch, tasks)

	err := d.host.Post(func() {
		d.pending = batch
		d.cursor = 0
		d.attempts = 0
		d.started = d.now()
		d.summary = Summary{StartedAt: d.started, Total: len(batch)}
		d.onComplete = onComplete
		d.recorder.SetQueueDepth(len(batch))

		if len(batch) == 0 {
			d.complete(false)
			return
		}
		d.post()
	})
	if err != nil {
		d.draining.Store(false)
		return fmt.Errorf("post export batch: %w", err)
	}
	return nil
}

// Shutdown stops the current batch after the task in progress. The batch
// completes with Aborted set. Further Fill calls fail with ErrShutdown.
func (d *Dispatcher) Shutdown() {
	if d.shutdown.Swap(true) {
		return
	}
	// A task waiting for a retry has no continuation queued; finish it now.
	_ = d.host.Post(func() {
		if d.retryTimer != nil && d.retryTimer.Stop() {
			d.retryTimer = nil
			d.DrainStep()
		}
	})
}

// DrainStep processes exactly one task and re-posts itself while tasks remain.
// It must only run on the host.
func (d *Dispatcher) DrainStep() {
	if d.onComplete == nil {
		return
	}
	if d.shutdown.Load() {
		d.complete(true)
		return
	}
	if d.cursor >= len(d.pending) {
		d.complete(false)
		return
	}

	task := d.pending[d.cursor]
	out, again := d.process(task)
	if again {
		d.attempts++
		d.recorder.IncTaskRetry()
		delay := d.policy.Delay(d.attempts)
		d.retryTimer = time.AfterFunc(delay, func() {
			err := d.host.Post(func() {
				d.retryTimer = nil
				d.DrainStep()
			})
			if err != nil {
				// The host runs nothing more for this batch, so completing here cannot race a step.
				d.logger.Warn("Host refused retry continuation; aborting batch", logfields.Error(err))
				d.complete(true)
			}
		})
		return
	}

	d.summary.record(out)
	d.recorder.IncTaskOutcome(metrics.OutcomeLabel(out.Outcome))
	d.recorder.ObserveTaskDuration(metrics.OutcomeLabel(out.Outcome), out.Duration)
	d.cursor++
	d.attempts = 0
	d.recorder.SetQueueDepth(len(d.pending) - d.cursor)

	if d.cursor >= len(d.pending) {
		d.complete(false)
		return
	}
	d.post()
}

func (d *Dispatcher) post() {
	if err := d.host.Post(d.DrainStep); err != nil {
		d.logger.Warn("Host refused drain continuation; aborting batch", logfields.Error(err))
		d.complete(true)
	}
}

// process runs the converter for one task. It reports true when the task
// should be attempted again in a later turn.
func (d *Dispatcher) process(task Task) (TaskOutcome, bool) {
	out := TaskOutcome{
		SourceID: task.SourceID,
		Location: task.Location.Raw,
		Reason:   string(task.Verdict.Reason),
		Attempts: d.attempts + 1,
	}
	attrs := []any{
		logfields.SourceID(task.SourceID),
		logfields.Location(task.Location.Raw),
		logfields.Destination(task.DestinationDir),
		logfields.Reason(string(task.Verdict.Reason)),
	}

	if d.mode == ModeDiagnostic {
		out.Outcome = OutcomeDiagnostic
		d.logger.Info("Diagnostic mode: export skipped", attrs...)
		return out, false
	}

	start := d.now()
	res, err := d.safeExport(task)
	out.Duration = d.now().Sub(start)
	attrs = append(attrs, logfields.Duration(out.Duration))

	switch {
	case err == nil:
		out.Outcome = OutcomeExported
		out.ArtifactPath = res.ArtifactPath
		out.SizeBytes = res.SizeBytes
		d.logger.Info("Exported", append(attrs, logfields.Artifact(res.ArtifactPath))...)
	case ferrors.HasCategory(err, ferrors.CategoryContent):
		out.Outcome = OutcomeContentSkip
		out.Error = err.Error()
		d.logger.Info("Nothing to export", append(attrs, logfields.Error(err))...)
	case d.policy.ShouldRetry(err, d.attempts):
		d.logger.Warn("Transient export failure; will retry",
			append(attrs, logfields.Error(err), slog.Int("attempt", out.Attempts))...)
		return out, true
	default:
		out.Outcome = OutcomeError
		out.Error = err.Error()
		d.logger.Error("Export failed", append(attrs, logfields.Error(err))...)
	}
	return out, false
}

func (d *Dispatcher) safeExport(task Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.InternalError(fmt.Sprintf("converter panic: %v", r)).
				WithContext("location", task.Location.Raw).Build()
		}
	}()
	return d.conv.Export(d.ctx, task.Location, task.DestinationDir)
}

func (d *Dispatcher) complete(aborted bool) {
	s := d.summary
	s.Aborted = aborted
	s.Elapsed = d.now().Sub(d.started)
	if aborted {
		s.Remaining = len(d.pending) - d.cursor
	}
	cb := d.onComplete

	d.onComplete = nil
	d.pending = nil
	d.cursor = 0
	d.attempts = 0
	d.recorder.SetQueueDepth(0)
	d.draining.Store(false)

	if cb != nil {
		cb(s)
	}
}
