package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the docexport configuration file.
type Config struct {
	Version   string          `yaml:"version"`
	Registry  RegistryConfig  `yaml:"registry"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Lock      LockConfig      `yaml:"lock"`
	Export    ExportConfig    `yaml:"export"`
	Converter ConverterConfig `yaml:"converter"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
	State     StateConfig     `yaml:"state"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// RegistryConfig locates the source registry files.
type RegistryConfig struct {
	Dir            string `yaml:"dir"`             // Directory holding <id>.sources / <id>.dest pairs
	LegacyEncoding string `yaml:"legacy_encoding"` // Fallback charset (WHATWG name) for non-UTF files
}

// ScheduleConfig controls when the daily export is due.
type ScheduleConfig struct {
	TimeOfDay     string `yaml:"time_of_day"`    // HH:MM wall clock
	CheckInterval string `yaml:"check_interval"` // Polling period, e.g. "5m"
	Timezone      string `yaml:"timezone"`       // IANA name; empty means local time
}

// LockConfig controls the cross-run lock marker.
type LockConfig struct {
	Dir     string `yaml:"dir"`     // Scope directory holding the marker
	Timeout string `yaml:"timeout"` // Age after which a marker is abandoned
}

// ExportConfig controls the export run itself.
type ExportConfig struct {
	Mode              ExportMode `yaml:"mode"`               // export|diagnostic
	ArtifactExtension string     `yaml:"artifact_extension"` // e.g. ".html"
}

// ConverterConfig selects and configures the converter implementation.
type ConverterConfig struct {
	Type                 ConverterType `yaml:"type"`                    // markdown|command
	Command              []string      `yaml:"command,omitempty"`       // argv with {source} {dest} {artifact} placeholders
	ContentErrorExitCode int           `yaml:"content_error_exit_code"` // exit status meaning "nothing to export"
	Timeout              string        `yaml:"timeout"`                 // per-task timeout; empty means none
}

// RetryConfig controls in-run retries of transient converter failures.
type RetryConfig struct {
	Backoff      RetryBackoffMode `yaml:"backoff"`
	InitialDelay string           `yaml:"initial_delay"`
	MaxDelay     string           `yaml:"max_delay"`
	MaxRetries   int              `yaml:"max_retries"`
}

// LoggingConfig controls the console handler and the daily log sink.
type LoggingConfig struct {
	Level         LogLevel  `yaml:"level"`
	Format        LogFormat `yaml:"format"`
	Dir           string    `yaml:"dir"`
	RetentionDays int       `yaml:"retention_days"`
}

// StateConfig locates the run state database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// DaemonConfig configures the long-running service.
type DaemonConfig struct {
	AdminAddr      string `yaml:"admin_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// NotifyConfig configures optional run summary publication over NATS.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	Stream  string `yaml:"stream"`
}

// Load loads, normalizes and validates a configuration file.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes configuration bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Version == "" {
		cfg.Version = CurrentVersion
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected %s)", cfg.Version, CurrentVersion)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{Version: CurrentVersion}
	applyDefaults(&example)
	example.Registry.Dir = "./registry"
	example.Lock.Dir = "./artifacts"
	example.Converter.Command = nil

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Clock returns the scheduled hour and minute.
func (s ScheduleConfig) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s.TimeOfDay))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time_of_day %q (expected HH:MM): %w", s.TimeOfDay, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Interval returns the parsed check interval.
func (s ScheduleConfig) Interval() time.Duration {
	d, _ := time.ParseDuration(s.CheckInterval)
	return d
}

// TimeLocation resolves the configured timezone, falling back to time.Local.
func (s ScheduleConfig) TimeLocation() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// TimeoutDuration returns the parsed lock timeout.
func (l LockConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(l.Timeout)
	return d
}

// TimeoutDuration returns the per-task converter timeout, zero when unset.
func (c ConverterConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// Retention returns the log retention window.
func (l LoggingConfig) Retention() time.Duration {
	return time.Duration(l.RetentionDays) * 24 * time.Hour
}

// loadEnvFile loads environment variables from the first .env/.env.local file found.
// Existing process environment variables are not overwritten.
func loadEnvFile() error {
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		fmt.Fprintf(os.Stderr, "Loaded environment variables from %s\n", envPath)
		return nil
	}
	return fmt.Errorf("no .env file found")
}
