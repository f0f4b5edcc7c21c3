// Package version carries build metadata injected at link time:
//
//	go build -ldflags "-X git.home.luguber.info/inful/docexport/internal/version.Version=v1.2.0"
package version

import "fmt"

var Version = "dev"

var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// UserAgent is sent on outgoing HTTP requests.
func UserAgent() string {
	return "docexport/" + Version
}

// String renders the version line printed by --version.
func String() string {
	return fmt.Sprintf("docexport %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
