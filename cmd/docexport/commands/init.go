package commands

import (
	"fmt"
	"path/filepath"

	"git.home.luguber.info/inful/docexport/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force  bool   `help:"Overwrite existing configuration file"`
	Output string `short:"o" name:"output" help:"Directory to write docexport.yaml into (default: --config path)"`
}

func (i *InitCmd) Run(g *Global, root *CLI) error {
	path := root.Config
	if i.Output != "" {
		path = filepath.Join(i.Output, "docexport.yaml")
	}
	out := g.out()
	fmt.Fprintf(out, "Writing configuration to %s\n", path)
	if err := config.Init(path, i.Force); err != nil {
		return err
	}
	fmt.Fprintln(out, "Edit registry.dir and lock.dir, then run 'docexport check'.")
	return nil
}
