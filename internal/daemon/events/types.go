// Package events defines the in-process control-flow events of the export
// service and the bus that carries them.
package events

import (
	"time"

	"git.home.luguber.info/inful/docexport/internal/export"
)

// Event is implemented by every event type on the bus.
type Event interface {
	EventName() string
}

// ExportRequested asks the service to start a manual export run.
type ExportRequested struct {
	Reason      string
	RequestedAt time.Time
}

// RunCompleted is emitted once a run has released the lock.
type RunCompleted struct {
	Summary     export.Summary
	CompletedAt time.Time
}

func (ExportRequested) EventName() string { return "export_requested" }
func (RunCompleted) EventName() string    { return "run_completed" }
