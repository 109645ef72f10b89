package main

import (
	"os"

	"github.com/3leaps/cropgrid/internal/cmd"
)

// Set by ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
