package config

import "path/filepath"

const (
	defaultTimeOfDay     = "09:00"
	defaultCheckInterval = "5m"
	defaultLockTimeout   = "24h"
	defaultLegacyCharset = "windows-1252"
	defaultRetentionDays = 30
	defaultSubject       = "docexport.runs"
)

// applyDefaults fills unset fields and normalizes enumerations.
func applyDefaults(cfg *Config) {
	if cfg.Registry.Dir == "" {
		cfg.Registry.Dir = "./registry"
	}
	if cfg.Registry.LegacyEncoding == "" {
		cfg.Registry.LegacyEncoding = defaultLegacyCharset
	}

	if cfg.Schedule.TimeOfDay == "" {
		cfg.Schedule.TimeOfDay = defaultTimeOfDay
	}
	if cfg.Schedule.CheckInterval == "" {
		cfg.Schedule.CheckInterval = defaultCheckInterval
	}

	if cfg.Lock.Timeout == "" {
		cfg.Lock.Timeout = defaultLockTimeout
	}

	if m := NormalizeExportMode(string(cfg.Export.Mode)); m != "" {
		cfg.Export.Mode = m
	} else if cfg.Export.Mode == "" {
		cfg.Export.Mode = ExportModeExport
	}
	if cfg.Export.ArtifactExtension == "" {
		cfg.Export.ArtifactExtension = ".html"
	}

	if t := NormalizeConverterType(string(cfg.Converter.Type)); t != "" {
		cfg.Converter.Type = t
	} else if cfg.Converter.Type == "" {
		cfg.Converter.Type = ConverterMarkdown
	}
	if cfg.Converter.ContentErrorExitCode == 0 {
		cfg.Converter.ContentErrorExitCode = 3
	}

	if b := NormalizeRetryBackoff(string(cfg.Retry.Backoff)); b != "" {
		cfg.Retry.Backoff = b
	} else {
		cfg.Retry.Backoff = RetryBackoffLinear
	}
	if cfg.Retry.InitialDelay == "" {
		cfg.Retry.InitialDelay = "2s"
	}
	if cfg.Retry.MaxDelay == "" {
		cfg.Retry.MaxDelay = "30s"
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}

	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
	if cfg.Logging.RetentionDays <= 0 {
		cfg.Logging.RetentionDays = defaultRetentionDays
	}

	if cfg.Daemon.AdminAddr == "" {
		cfg.Daemon.AdminAddr = "127.0.0.1:8087"
	}

	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = defaultSubject
	}

	// Scope-relative defaults depend on the lock directory.
	if cfg.Lock.Dir != "" {
		if cfg.Logging.Dir == "" {
			cfg.Logging.Dir = filepath.Join(cfg.Lock.Dir, ".docexport", "logs")
		}
		if cfg.State.Path == "" {
			cfg.State.Path = filepath.Join(cfg.Lock.Dir, ".docexport", "state.db")
		}
	}
}
