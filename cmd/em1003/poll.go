package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/em1003/internal/ble"
	"github.com/srg/em1003/internal/config"
	"github.com/srg/em1003/internal/poller"
	"github.com/srg/em1003/internal/protocol"
	"github.com/srg/em1003/internal/session"
)

// pollCmd represents the poll command
var pollCmd = &cobra.Command{
	Use:   "poll --config <file>",
	Short: "Continuously poll sensors per a config file",
	Long: `Runs the background poller: reads all sensors on a fixed interval,
caches the latest values, and prints each completed snapshot. Tuning
(device address, intervals, breaker thresholds) comes from a YAML
config file.

Example config:

  log_level: info
  device:
    address: AA:BB:CC:DD:EE:FF
  poll:
    interval_ms: 60000
    stale_after_ms: 1800000

Example:
  em1003 poll --config em1003.yaml`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

var pollConfigPath string

func init() {
	pollCmd.Flags().StringVar(&pollConfigPath, "config", "", "Path to YAML config file (required)")
	_ = pollCmd.MarkFlagRequired("config")
}

func runPoll(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(pollConfigPath)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	logger := cfg.NewLogger()
	sess := session.New(ble.NewTransport(logger), cfg.Device.Address, cfg.SessionOptions(), logger)
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.WithError(err).Debug("Disconnect on exit failed")
		}
	}()

	p, err := poller.New(sess, poller.Config{
		Interval:   cfg.PollInterval(),
		StaleAfter: cfg.StaleAfter(),
		OnSnapshot: printSnapshot,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); ctx.Err() == nil {
		return err
	}
	return nil
}

func printSnapshot(snapshot session.Snapshot) {
	for _, d := range protocol.Sensors {
		printReading(d.ID, snapshot[d.ID])
	}
	fmt.Println()
}
