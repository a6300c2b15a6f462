package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "em1003",
	Short: "EM1003 air quality sensor CLI",
	Long: `Command-line tool for the EM1003 BLE air quality sensor:

- Read individual sensors or a full snapshot (temperature, humidity, noise, PM2.5, PM10, TVOC, eCO2)
- Query and toggle the alarm buzzer
- Run a background poller that keeps a fresh reading cache

Reads go through a session engine that matches responses to requests by
sequence id, paces connection attempts, and backs off with a circuit
breaker when the device stops answering.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(buzzerCmd)
	rootCmd.AddCommand(pollCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
