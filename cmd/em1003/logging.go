package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/em1003/internal/config"
)

// configureLogger builds the command's logger from the --log-level and
// verbose flags, with --log-level taking precedence.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool(verboseFlagName)
	return config.CLILogger(level, verbose)
}
