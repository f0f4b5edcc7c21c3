//go:build !unix

package commands

import "os"

func exportRequestSignals() []os.Signal { return nil }
