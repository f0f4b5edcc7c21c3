package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/docexport/internal/daemon"
	"git.home.luguber.info/inful/docexport/internal/logfields"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Diagnostic      bool          `help:"Log the queued tasks without invoking the converter"`
	NoWatch         bool          `name:"no-watch" help:"Do not reload the schedule when the configuration file changes"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"How long to wait for the current task on shutdown" default:"2m"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g, true)
	if err != nil {
		return err
	}
	svc, err := daemon.New(cfg, daemon.Options{
		ConfigPath:  root.Config,
		WatchConfig: !d.NoWatch,
		Ticker:      true,
		AdminHTTP:   true,
		Diagnostic:  d.Diagnostic,
		LogSink:     g.sink,
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	requests := make(chan os.Signal, 1)
	if sigs := exportRequestSignals(); len(sigs) > 0 {
		signal.Notify(requests, sigs...)
		defer signal.Stop(requests)
	}

	slog.Info("Daemon running, waiting for shutdown signal")
	for running := true; running; {
		select {
		case <-requests:
			if err := svc.RequestExport(ctx, "signal"); err != nil {
				slog.Warn("Export request dropped", logfields.Error(err))
			}
		case <-ctx.Done():
			running = false
		}
	}

	slog.Info("Shutdown signal received, stopping daemon")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), d.ShutdownTimeout)
	defer stopCancel()
	return svc.Stop(stopCtx)
}
