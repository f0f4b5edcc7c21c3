package config

import "strings"

// CurrentVersion is the only configuration schema version understood by this release.
const CurrentVersion = "1.0"

// ExportMode selects whether DrainStep really converts.
type ExportMode string

const (
	ExportModeExport ExportMode = "export"
	// ExportModeDiagnostic logs every queued task but never invokes the converter.
	// Used to validate registry contents and scheduling without producing artifacts.
	ExportModeDiagnostic ExportMode = "diagnostic"
)

// NormalizeExportMode converts user input into a typed mode, returning empty string for unknown.
func NormalizeExportMode(raw string) ExportMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ExportModeExport):
		return ExportModeExport
	case string(ExportModeDiagnostic), "dry-run", "dryrun":
		return ExportModeDiagnostic
	default:
		return ""
	}
}

// ConverterType selects the converter implementation.
type ConverterType string

const (
	ConverterMarkdown ConverterType = "markdown"
	ConverterCommand  ConverterType = "command"
)

// NormalizeConverterType converts user input into a typed converter, returning empty string for unknown.
func NormalizeConverterType(raw string) ConverterType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ConverterMarkdown), "md":
		return ConverterMarkdown
	case string(ConverterCommand), "exec":
		return ConverterCommand
	default:
		return ""
	}
}

// RetryBackoffMode enumerates supported backoff strategies for retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

// NormalizeRetryBackoff converts arbitrary user input (case-insensitive) into a typed mode, returning empty string for unknown.
func NormalizeRetryBackoff(raw string) RetryBackoffMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RetryBackoffFixed):
		return RetryBackoffFixed
	case string(RetryBackoffLinear):
		return RetryBackoffLinear
	case string(RetryBackoffExponential):
		return RetryBackoffExponential
	default:
		return ""
	}
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// NormalizeLogLevel maps user input to a level; unknown values become info.
func NormalizeLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// NormalizeLogFormat maps user input to a format; unknown values become text.
func NormalizeLogFormat(raw string) LogFormat {
	if strings.ToLower(strings.TrimSpace(raw)) == "json" {
		return LogFormatJSON
	}
	return LogFormatText
}
