package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "floodgate",
	Short: "Floodgate - fixed-window rate limiting service",
	Long: `Floodgate enforces fixed-window call limits on named resources.

Each resource declares one or more limits ("at most N calls per window"),
optionally partitioned by a call attribute such as a user or an IP address.
Counters live in memory, in SQLite or in Redis.

For more information, visit: https://github.com/mercator-hq/floodgate`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// configLoadError keeps validation errors intact and turns any other load
// failure, such as an unreadable file, into a ConfigError.
func configLoadError(err error) error {
	var verr config.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return cli.NewConfigError("", err.Error())
}
