package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "cascade",
		Short: "Cascade - propagate one change across many repositories",
		Long: `Cascade applies a single described change to a set of repositories in parallel.
For every repo it creates a branch, lets a coding agent discover and adapt the
affected files, runs the tests with a bounded fix loop, reviews the diff,
commits and optionally opens a pull request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// exitError carries a process exit status without printing anything more
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: nearest cascade.toml/cascade.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
