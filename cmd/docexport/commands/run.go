package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/docexport/internal/daemon"
	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
)

// RunCmd implements the 'run' command.
type RunCmd struct {
	Auto       bool `help:"Unattended mode: perform the scheduled check once, log the summary and exit"`
	Diagnostic bool `help:"Log the queued tasks without invoking the converter"`
}

func (r *RunCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g, true)
	if err != nil {
		return err
	}
	svc, err := daemon.New(cfg, daemon.Options{
		Diagnostic: r.Diagnostic,
		LogSink:    g.sink,
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
	}()

	if r.Auto {
		return runAuto(ctx, svc)
	}
	return runManual(ctx, svc, g.out())
}

// runAuto performs one scheduled check. Nothing due and a lock held by
// another process both exit successfully.
func runAuto(ctx context.Context, svc *daemon.Service) error {
	_, ran, err := svc.RunScheduled(ctx)
	if err != nil {
		return err
	}
	if !ran {
		slog.Info("No export due")
	}
	return nil
}

func runManual(ctx context.Context, svc *daemon.Service, out io.Writer) error {
	sum, err := svc.RunNow(ctx)
	if err != nil {
		return err
	}
	PrintSummary(out, sum)
	if sum.Aborted {
		return ferrors.RuntimeError("export run interrupted").
			WithContext("remaining", sum.Remaining).Build()
	}
	if sum.Errors > 0 {
		return ferrors.ConversionError(fmt.Sprintf("%d of %d exports failed", sum.Errors, sum.Total)).Build()
	}
	return nil
}

// PrintSummary writes the human-readable run summary.
func PrintSummary(w io.Writer, sum export.Summary) {
	fmt.Fprintf(w, "Run %s (%s)\n", sum.RunID, sum.Trigger)
	fmt.Fprintf(w, "  total:    %d\n", sum.Total)
	fmt.Fprintf(w, "  exported: %d\n", sum.Exported)
	fmt.Fprintf(w, "  skipped:  %d (up to date %d, nothing to export %d)\n", sum.Skipped, sum.UpToDate, sum.ContentSkipped)
	if sum.Diagnosed > 0 {
		fmt.Fprintf(w, "  diagnosed: %d\n", sum.Diagnosed)
	}
	fmt.Fprintf(w, "  errors:   %d\n", sum.Errors)
	fmt.Fprintf(w, "  elapsed:  %s\n", sum.Elapsed.Round(time.Millisecond))
	if sum.Aborted {
		fmt.Fprintf(w, "  aborted with %d tasks remaining\n", sum.Remaining)
	}
	for _, o := range sum.Outcomes {
		if o.Outcome != export.OutcomeError {
			continue
		}
		fmt.Fprintf(w, "  failed: %s: %s\n", o.Location, o.Error)
	}
}
