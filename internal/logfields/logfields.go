package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID       = "run_id"
	KeyTrigger     = "trigger"
	KeySourceID    = "source_id"
	KeyLocation    = "location"
	KeyDestination = "destination"
	KeyArtifact    = "artifact"
	KeyReason      = "reason"
	KeyOutcome     = "outcome"
	KeyScope       = "scope"
	KeyDurationMS  = "duration_ms"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr          { return slog.String(KeyRunID, id) }
func Trigger(t string) slog.Attr         { return slog.String(KeyTrigger, t) }
func SourceID(id string) slog.Attr       { return slog.String(KeySourceID, id) }
func Location(loc string) slog.Attr      { return slog.String(KeyLocation, loc) }
func Destination(dir string) slog.Attr   { return slog.String(KeyDestination, dir) }
func Artifact(path string) slog.Attr     { return slog.String(KeyArtifact, path) }
func Reason(r string) slog.Attr          { return slog.String(KeyReason, r) }
func Outcome(o string) slog.Attr         { return slog.String(KeyOutcome, o) }
func Scope(s string) slog.Attr           { return slog.String(KeyScope, s) }
func Duration(d time.Duration) slog.Attr { return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
