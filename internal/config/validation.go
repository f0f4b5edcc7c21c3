package config

import (
	"strings"
	"time"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
)

// Validate checks the normalized configuration for values that cannot be applied.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Lock.Dir) == "" {
		return ferrors.ValidationError("lock.dir is required (scope directory shared by all exporters)").Build()
	}
	if _, _, err := cfg.Schedule.Clock(); err != nil {
		return ferrors.ValidationError("invalid schedule.time_of_day").WithCause(err).Build()
	}
	if d, err := time.ParseDuration(cfg.Schedule.CheckInterval); err != nil || d <= 0 {
		return ferrors.ValidationError("schedule.check_interval must be a positive duration").
			WithContext("value", cfg.Schedule.CheckInterval).Build()
	}
	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			return ferrors.ValidationError("unknown schedule.timezone").WithCause(err).Build()
		}
	}
	if d, err := time.ParseDuration(cfg.Lock.Timeout); err != nil || d <= 0 {
		return ferrors.ValidationError("lock.timeout must be a positive duration").
			WithContext("value", cfg.Lock.Timeout).Build()
	}
	if NormalizeExportMode(string(cfg.Export.Mode)) == "" {
		return ferrors.ValidationError("export.mode must be export or diagnostic").
			WithContext("value", string(cfg.Export.Mode)).Build()
	}
	if !strings.HasPrefix(cfg.Export.ArtifactExtension, ".") {
		return ferrors.ValidationError("export.artifact_extension must start with '.'").Build()
	}
	switch cfg.Converter.Type {
	case ConverterMarkdown:
	case ConverterCommand:
		if len(cfg.Converter.Command) == 0 {
			return ferrors.ValidationError("converter.command is required for the command converter").Build()
		}
	default:
		return ferrors.ValidationError("converter.type must be markdown or command").
			WithContext("value", string(cfg.Converter.Type)).Build()
	}
	if cfg.Converter.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Converter.Timeout); err != nil || d < 0 {
			return ferrors.ValidationError("converter.timeout must be a duration").Build()
		}
	}
	for _, v := range []string{cfg.Retry.InitialDelay, cfg.Retry.MaxDelay} {
		if _, err := time.ParseDuration(v); err != nil {
			return ferrors.ValidationError("retry delays must be durations").WithContext("value", v).Build()
		}
	}
	if cfg.Notify.Enabled && cfg.Notify.NATSURL == "" {
		return ferrors.ValidationError("notify.nats_url is required when notify is enabled").Build()
	}
	return nil
}
