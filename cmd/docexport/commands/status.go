package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/docexport/internal/config"
	"git.home.luguber.info/inful/docexport/internal/daemon"
	"git.home.luguber.info/inful/docexport/internal/export"
	"git.home.luguber.info/inful/docexport/internal/lockguard"
	"git.home.luguber.info/inful/docexport/internal/runstore"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	Limit int    `short:"n" help:"Number of recent runs to show" default:"10"`
	RunID string `name:"run" help:"Show per-task outcomes of this run"`
	JSON  bool   `name:"json" help:"Print machine-readable output"`
}

// StatusOutput is the JSON form of 'status'.
type StatusOutput struct {
	LastSuccessfulDate string               `json:"last_successful_date,omitempty"`
	LastError          string               `json:"last_error,omitempty"`
	LastErrorAt        *time.Time           `json:"last_error_at,omitempty"`
	Lock               daemon.LockInfo      `json:"lock"`
	Runs               []export.Summary     `json:"runs,omitempty"`
	Outcomes           []export.TaskOutcome `json:"outcomes,omitempty"`
}

func (s *StatusCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g, false)
	if err != nil {
		return err
	}
	st, err := CollectStatus(context.Background(), cfg, s.Limit, s.RunID)
	if err != nil {
		return err
	}
	if s.JSON {
		enc := json.NewEncoder(g.out())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	PrintStatus(g.out(), st)
	return nil
}

// CollectStatus reads persisted state without taking the lock.
func CollectStatus(ctx context.Context, cfg *config.Config, limit int, runID string) (StatusOutput, error) {
	store, err := runstore.Open(cfg.State.Path)
	if err != nil {
		return StatusOutput{}, err
	}
	defer store.Close()

	var out StatusOutput
	if out.LastSuccessfulDate, _, err = store.LastSuccessfulDate(ctx); err != nil {
		return out, err
	}
	msg, at, ok, err := store.LastError(ctx)
	if err != nil {
		return out, err
	}
	if ok {
		out.LastError = msg
		out.LastErrorAt = &at
	}
	if out.Runs, err = store.RecentRuns(ctx, limit); err != nil {
		return out, err
	}
	if runID != "" {
		if out.Outcomes, err = store.RunOutcomes(ctx, runID); err != nil {
			return out, err
		}
	}
	out.Lock = daemon.InspectLock(lockguard.New(cfg.Lock.Dir, lockguard.WithTimeout(cfg.Lock.TimeoutDuration())))
	return out, nil
}

// PrintStatus renders StatusOutput for humans.
func PrintStatus(w io.Writer, st StatusOutput) {
	last := st.LastSuccessfulDate
	if last == "" {
		last = "never"
	}
	fmt.Fprintf(w, "Last successful scheduled run: %s\n", last)
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error (%s): %s\n", st.LastErrorAt.Format(time.RFC3339), st.LastError)
	}
	if st.Lock.Present {
		acquired := "unknown"
		if st.Lock.AcquiredAt != nil {
			acquired = st.Lock.AcquiredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "Lock: held by %s since %s (%s)\n", st.Lock.Owner, acquired, st.Lock.Path)
	} else {
		fmt.Fprintln(w, "Lock: free")
	}

	if len(st.Runs) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tTRIGGER\tSTARTED\tTOTAL\tEXPORTED\tSKIPPED\tERRORS\tELAPSED\tABORTED")
		for _, r := range st.Runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%t\n",
				r.RunID, r.Trigger, r.StartedAt.Format(time.RFC3339),
				r.Total, r.Exported, r.Skipped, r.Errors, r.Elapsed.Round(time.Millisecond), r.Aborted)
		}
		_ = tw.Flush()
	}

	if len(st.Outcomes) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LOCATION\tOUTCOME\tATTEMPTS\tDETAIL")
		for _, o := range st.Outcomes {
			detail := o.ArtifactPath
			if o.Error != "" {
				detail = o.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", o.Location, o.Outcome, o.Attempts, detail)
		}
		_ = tw.Flush()
	}
}
