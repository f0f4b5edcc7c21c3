//go:build unix

package commands

import (
	"os"
	"syscall"
)

// exportRequestSignals ask a running daemon for a manual export.
func exportRequestSignals() []os.Signal { return []os.Signal{syscall.SIGUSR1} }
