package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/em1003/internal/ble"
	"github.com/srg/em1003/internal/session"
)

// buzzerCmd represents the buzzer command
var buzzerCmd = &cobra.Command{
	Use:   "buzzer <device-address> [get|on|off]",
	Short: "Query or toggle the alarm buzzer",
	Long: `Queries or sets the EM1003 alarm buzzer.

Without an argument the current buzzer state is printed. With "on" or
"off" the buzzer is set and the device's echoed state is verified.

Examples:
  # Show buzzer state
  em1003 buzzer AA:BB:CC:DD:EE:FF

  # Enable the buzzer
  em1003 buzzer AA:BB:CC:DD:EE:FF on

  # Disable the buzzer
  em1003 buzzer AA:BB:CC:DD:EE:FF off`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBuzzer,
}

var (
	buzzerTimeout time.Duration
	buzzerVerbose bool
)

func init() {
	buzzerCmd.Flags().DurationVar(&buzzerTimeout, "timeout", 60*time.Second, "Overall operation timeout")
	buzzerCmd.Flags().BoolVar(&buzzerVerbose, "verbose", false, "Enable debug logging")
}

func runBuzzer(cmd *cobra.Command, args []string) error {
	address := args[0]

	var set, want bool
	if len(args) == 2 {
		switch args[1] {
		case "on":
			set, want = true, true
		case "off":
			set, want = true, false
		case "get":
			// same as omitting the argument
		default:
			return fmt.Errorf("invalid buzzer state %q (must be get, on, or off)", args[1])
		}
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, buzzerTimeout)
	defer cancel()

	sess := session.New(ble.NewTransport(logger), address, session.Options{}, logger)
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.WithError(err).Debug("Disconnect on exit failed")
		}
	}()

	if set {
		if !sess.SetBuzzerState(ctx, want) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("buzzer not confirmed: %s", sess.BreakerInfo())
		}
		fmt.Printf("Buzzer %s\n", stateString(want))
		return nil
	}

	state, ok := sess.ReadBuzzerState(ctx)
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("buzzer state unavailable: %s", sess.BreakerInfo())
	}
	fmt.Printf("Buzzer %s\n", stateString(state))
	return nil
}

func stateString(on bool) string {
	if on {
		return color.GreenString("on")
	}
	return color.YellowString("off")
}
