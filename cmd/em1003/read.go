package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/em1003/internal/ble"
	"github.com/srg/em1003/internal/protocol"
	"github.com/srg/em1003/internal/session"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [sensor]",
	Short: "Read one sensor or a full snapshot",
	Long: `Reads sensor values from an EM1003 device.

Without a sensor argument all confirmed sensors are read in one
connection cycle. A sensor can be named (temperature, humidity, noise,
pm2.5, pm10, tvoc, eco2) or given as a hex target id (0x01).

Examples:
  # Read everything
  em1003 read AA:BB:CC:DD:EE:FF

  # Read one sensor by name
  em1003 read AA:BB:CC:DD:EE:FF temperature

  # Read a target by hex id
  em1003 read AA:BB:CC:DD:EE:FF 0x09

  # Verbose session logging
  em1003 read AA:BB:CC:DD:EE:FF --verbose`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readTimeout time.Duration
	readVerbose bool
)

func init() {
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 60*time.Second, "Overall operation timeout")
	readCmd.Flags().BoolVar(&readVerbose, "verbose", false, "Enable debug logging")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	var sensorID byte
	var single bool
	if len(args) == 2 {
		id, err := parseSensorArg(args[1])
		if err != nil {
			return err
		}
		sensorID = id
		single = true
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	sess := session.New(ble.NewTransport(logger), address, session.Options{}, logger)
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.WithError(err).Debug("Disconnect on exit failed")
		}
	}()

	if single {
		value, ok := sess.ReadSensor(ctx, sensorID)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("no reading for %s: %s", protocol.SensorName(sensorID), sess.BreakerInfo())
		}
		printReading(sensorID, &value)
		return nil
	}

	snapshot, err := sess.ReadAllSensors(ctx)
	if err != nil {
		return err
	}
	if name := sess.DeviceName(); name != "" {
		fmt.Printf("Device: %s\n", name)
	}
	for _, d := range protocol.Sensors {
		printReading(d.ID, snapshot[d.ID])
	}
	return nil
}

// parseSensorArg accepts a sensor name or a hex/decimal target id.
func parseSensorArg(arg string) (byte, error) {
	if d, ok := protocol.SensorByName(arg); ok {
		return d.ID, nil
	}
	n, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown sensor %q (use a name like temperature or a hex id like 0x09)", arg)
	}
	return byte(n), nil
}

func printReading(id byte, value *float64) {
	name := protocol.SensorName(id)
	if value == nil {
		fmt.Printf("%-12s %s\n", name, color.RedString("no response"))
		return
	}
	d, ok := protocol.SensorByID(id)
	if !ok {
		fmt.Printf("%-12s %s\n", name, color.GreenString("%g", *value))
		return
	}
	fmt.Printf("%-12s %s %s\n", name, color.GreenString("%.*f", d.Precision, *value), d.Unit)
}
