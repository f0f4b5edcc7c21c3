package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"git.home.luguber.info/inful/docexport/internal/config"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/staleness"
)

// CheckCmd implements the 'check' command.
type CheckCmd struct {
	Source string `short:"s" help:"Only check this source id"`
	All    bool   `short:"a" help:"Also list locations that are up to date"`
}

func (c *CheckCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g, false)
	if err != nil {
		return err
	}
	stale, err := RunCheck(context.Background(), cfg, c.Source, c.All, g.out())
	if err != nil {
		return err
	}
	slog.Debug("Check finished", slog.Int("stale", stale))
	return nil
}

// RunCheck prints the staleness verdict of every location and returns how
// many need an export. It never writes artifacts.
func RunCheck(ctx context.Context, cfg *config.Config, only string, all bool, out io.Writer) (int, error) {
	reg, err := registry.New(cfg.Registry.Dir, cfg.Registry.LegacyEncoding, slog.Default())
	if err != nil {
		return 0, err
	}
	var sources []registry.Source
	if only != "" {
		src, err := reg.Get(only)
		if err != nil {
			return 0, ferrors.WrapError(err, ferrors.CategoryNotFound, "unknown source").
				WithContext("source_id", only).Build()
		}
		sources = []registry.Source{src}
	} else if sources, err = reg.Load(ctx); err != nil {
		return 0, err
	}

	checker := staleness.NewChecker(cfg.Export.ArtifactExtension)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tLOCATION\tEXPORT\tREASON\tARTIFACT")
	stale, total := 0, 0
	for _, src := range sources {
		for _, lv := range checker.EvaluateSource(src) {
			total++
			if lv.Verdict.NeedsExport {
				stale++
			} else if !all {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", src.ID, lv.Location.Raw,
				yesNo(lv.Verdict.NeedsExport), lv.Verdict.Reason, lv.Verdict.ArtifactPath)
		}
	}
	if err := tw.Flush(); err != nil {
		return stale, err
	}
	fmt.Fprintf(out, "%d of %d locations need an export\n", stale, total)
	return stale, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
