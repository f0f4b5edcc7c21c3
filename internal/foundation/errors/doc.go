// Package errors provides the classified error primitives used across docexport.
//
// Key features:
//   - ErrorCategory: broad classification (config, lock, conversion, content, infrastructure, ...)
//   - ErrorSeverity: impact level (fatal, error, warning, info)
//   - RetryStrategy: never, backoff within a run, or next scheduler tick
//   - ErrorBuilder: fluent API for creating classified errors
//   - CLI and HTTP adapters for error presentation
//
// Example usage:
//
//	err := errors.ConversionError("export failed").
//		WithCause(cause).
//		WithContext("source_id", id).
//		Build()
package errors
