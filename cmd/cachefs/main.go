package main

import (
	"errors"
	"fmt"
	"os"

	"cachefs/internal/cache"
	"cachefs/internal/cli/commands"
)

// Set by goreleaser ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		// scripts tell "another mount owns this cache" apart from other failures
		if errors.Is(err, cache.ErrLocked) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
