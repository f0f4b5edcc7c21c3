// Package commands implements the docexport command line.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/docexport/internal/config"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logsink"
)

// Global carries process-wide state shared by subcommands.
type Global struct {
	// Out receives user-facing output.
	Out  io.Writer
	sink *logsink.DailyWriter
}

// Close flushes the daily log file, if one was opened.
func (g *Global) Close() {
	if g.sink != nil {
		_ = g.sink.Close()
		g.sink = nil
	}
}

func (g *Global) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"docexport.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run    RunCmd    `cmd:"" help:"Run an export now, or the scheduled check with --auto"`
	Daemon DaemonCmd `cmd:"" help:"Run the scheduler with the admin HTTP API until stopped"`
	Check  CheckCmd  `cmd:"" help:"Show which registered locations need an export"`
	Status StatusCmd `cmd:"" help:"Show persisted run state, history and the lock marker"`
	Init   InitCmd   `cmd:"" help:"Write an example configuration file"`
}

// AfterApply runs after flag parsing and installs the console logger.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig loads the configuration and reinstalls the logger from its
// logging section. With tee set, log output is also appended to the daily
// log file under logging.dir.
func (c *CLI) loadConfig(g *Global, tee bool) (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		if ferrors.IsClassified(err) {
			return nil, err
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "load configuration").
			WithContext("path", c.Config).Build()
	}

	var w io.Writer = os.Stderr
	if tee && cfg.Logging.Dir != "" {
		sink, err := logsink.New(cfg.Logging.Dir)
		if err != nil {
			return nil, ferrors.InfrastructureError("cannot create log directory").
				WithCause(err).WithContext("dir", cfg.Logging.Dir).Build()
		}
		g.sink = sink
		w = io.MultiWriter(os.Stderr, sink)
	}
	slog.SetDefault(slog.New(newHandler(w, cfg.Logging, c.Verbose)))
	return cfg, nil
}

func newHandler(w io.Writer, lc config.LoggingConfig, verbose bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelFor(lc.Level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if lc.Format == config.LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func levelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
