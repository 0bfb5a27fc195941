// Package cmd defines the leadpipe CLI: the worker daemon, run
// submission, and dead-letter management.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crestwell/leadpipe/internal/app"
	"github.com/crestwell/leadpipe/internal/config"
)

// Startup failures map to distinct exit codes so supervisors can tell a
// bad config from a dead dependency.
const (
	exitInvalidConfig = 2
	exitDatabase      = 3
	exitQueue         = 4
)

var errInvalidConfig = errors.New("invalid configuration")

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leadpipe",
		Short: "B2B lead discovery and email verification pipeline",
		Long: `leadpipe crawls company websites for people, generates candidate
addresses from observed naming patterns, and verifies them through MX
resolution, catch-all detection, and SMTP probing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDLQCmd())
	return cmd
}

// loadConfig reads and validates the configuration. Errors are tagged
// so Execute can map them to the invalid-config exit code.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	return cfg, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "leadpipe:", err)
		switch {
		case errors.Is(err, errInvalidConfig):
			return exitInvalidConfig
		case errors.Is(err, app.ErrDatabase):
			return exitDatabase
		case errors.Is(err, app.ErrQueue):
			return exitQueue
		default:
			return 1
		}
	}
	return 0
}
