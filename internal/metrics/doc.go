// Package metrics provides the export metrics hooks.
//
// Components receive a Recorder through injection and default to NoopRecorder,
// so no nil checks are needed at call sites:
//
//	d := export.NewDispatcher(host, conv, export.WithRecorder(metrics.NoopRecorder{}))
//
// The daemon swaps in a PrometheusRecorder bound to the registry it serves on
// /metrics.
package metrics
