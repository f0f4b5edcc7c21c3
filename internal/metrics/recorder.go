package metrics

import "time"

// OutcomeLabel enumerates per-task outcomes.
type OutcomeLabel string

const (
	OutcomeExported    OutcomeLabel = "exported"
	OutcomeContentSkip OutcomeLabel = "content_skip"
	OutcomeError       OutcomeLabel = "error"
	OutcomeDiagnostic  OutcomeLabel = "diagnostic"
	OutcomeUpToDate    OutcomeLabel = "up_to_date"
)

// RunStatusLabel enumerates how a run ended.
type RunStatusLabel string

const (
	RunCompleted RunStatusLabel = "completed"
	RunAborted   RunStatusLabel = "aborted"
	RunFailed    RunStatusLabel = "failed"
)

// Recorder defines observability hooks for export runs and tasks.
type Recorder interface {
	ObserveTaskDuration(outcome OutcomeLabel, d time.Duration)
	IncTaskOutcome(outcome OutcomeLabel)
	IncTaskRetry()
	ObserveRunDuration(trigger string, d time.Duration)
	IncRunStatus(trigger string, status RunStatusLabel)
	IncLockContention()
	SetQueueDepth(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveTaskDuration(OutcomeLabel, time.Duration) {}
func (NoopRecorder) IncTaskOutcome(OutcomeLabel)                     {}
func (NoopRecorder) IncTaskRetry()                                   {}
func (NoopRecorder) ObserveRunDuration(string, time.Duration)        {}
func (NoopRecorder) IncRunStatus(string, RunStatusLabel)             {}
func (NoopRecorder) IncLockContention()                              {}
func (NoopRecorder) SetQueueDepth(int)                               {}
