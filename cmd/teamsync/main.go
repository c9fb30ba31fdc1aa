package main

import (
	"os"
	// Embedded zoneinfo so the configured timezone resolves on minimal images.
	_ "time/tzdata"

	"github.com/pysugar/teams-sync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
