// Package version carries build metadata for teamsync.
package version

import "fmt"

// Overridden at link time:
//
//	go build -ldflags "-X github.com/pysugar/teams-sync/internal/version.Version=v0.1.0" ./cmd/teamsync
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the build metadata on one line, as printed by
// `teamsync version` and `teamsync --version`.
func String() string {
	return fmt.Sprintf("teamsync %s (commit %s, built %s)", Version, Commit, BuildTime)
}
