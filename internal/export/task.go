// Package export holds the ordered task queue of an export run and the
// dispatcher that drains it, one task per host loop turn.
package export

import (
	"context"
	"time"

	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/staleness"
)

// Task is one location scheduled for export. Created at Fill, consumed exactly once.
type Task struct {
	SourceID       string
	Location       registry.Location
	DestinationDir string
	Verdict        staleness.Verdict
}

// Result describes a produced artifact.
type Result struct {
	ArtifactPath string
	SizeBytes    int64
}

// Converter produces an artifact for one location. Errors classified as
// content errors mean there was nothing to export; every other error is a
// hard failure for that task.
type Converter interface {
	Export(ctx context.Context, loc registry.Location, destDir string) (Result, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, loc registry.Location, destDir string) (Result, error)

func (f ConverterFunc) Export(ctx context.Context, loc registry.Location, destDir string) (Result, error) {
	return f(ctx, loc, destDir)
}

// Mode selects whether the converter runs.
type Mode string

const (
	ModeExport     Mode = "export"
	ModeDiagnostic Mode = "diagnostic" // log tasks, never call the converter
)

// Outcome is the recorded result of one task.
type Outcome string

const (
	OutcomeExported    Outcome = "exported"
	OutcomeContentSkip Outcome = "content_skip"
	OutcomeError       Outcome = "error"
	OutcomeDiagnostic  Outcome = "diagnostic"
)

// TaskOutcome is kept per processed task for history and reporting.
type TaskOutcome struct {
	SourceID     string        `json:"source_id"`
	Location     string        `json:"location"`
	Outcome      Outcome       `json:"outcome"`
	Reason       string        `json:"reason,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	SizeBytes    int64         `json:"size_bytes,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Summary reports a finished batch. The dispatcher fills the task counters;
// the scheduler adds run identity and the locations found up to date.
type Summary struct {
	RunID          string        `json:"run_id"`
	Trigger        string        `json:"trigger"`
	StartedAt      time.Time     `json:"started_at"`
	Total          int           `json:"total"`
	Exported       int           `json:"exported"`
	Skipped        int           `json:"skipped"`
	UpToDate       int           `json:"up_to_date"`
	ContentSkipped int           `json:"content_skipped"`
	Diagnosed      int           `json:"diagnosed"`
	Errors         int           `json:"errors"`
	Remaining      int           `json:"remaining"`
	Elapsed        time.Duration `json:"elapsed"`
	Aborted        bool          `json:"aborted"`
	Outcomes       []TaskOutcome `json:"outcomes,omitempty"`
}

// AddUpToDate accounts for n locations that were checked but needed no export.
func (s *Summary) AddUpToDate(n int) {
	s.UpToDate += n
	s.Skipped += n
	s.Total += n
}

func (s *Summary) record(o TaskOutcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch o.Outcome {
	case OutcomeExported:
		s.Exported++
	case OutcomeContentSkip:
		s.ContentSkipped++
		s.Skipped++
	case OutcomeDiagnostic:
		s.Diagnosed++
	case OutcomeError:
		s.Errors++
	}
}

// Succeeded reports whether the batch ran to the end without task errors.
func (s Summary) Succeeded() bool {
	return !s.Aborted && s.Errors == 0
}
