package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/docexport/cmd/docexport/commands"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/version"
)

func main() {
	cli := &commands.CLI{}
	global := &commands.Global{Out: os.Stdout}
	ctx := kong.Parse(cli,
		kong.Name("docexport"),
		kong.Description("Scheduled, incremental export of registered source documents."),
		kong.Vars{"version": version.String()},
		kong.UsageOnError(),
	)
	err := ctx.Run(global, cli)
	global.Close()
	if err != nil {
		ferrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
	}
}
