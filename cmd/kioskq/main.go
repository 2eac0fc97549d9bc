package main

import (
	"fmt"
	"os"

	"github.com/worldchamps/kioskq/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
