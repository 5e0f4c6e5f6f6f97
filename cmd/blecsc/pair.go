package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/sensor"
)

// pairCmd represents the pair command
var pairCmd = &cobra.Command{
	Use:   "pair <speed|cadence> <sensor-id>",
	Short: "Connect a sensor to a role and remember it",
	Long: `Scan until the sensor with the given id advertises, connect it to the speed or
cadence role and remember it, so 'blecsc monitor' reconnects it automatically.

A combined speed and cadence sensor can be paired to both roles; both share one link.`,
	Args: cobra.ExactArgs(2),
	RunE: runPair,
}

var pairTimeout time.Duration

// pairRetryInterval spaces connect attempts while the sensor has not advertised yet.
const pairRetryInterval = 250 * time.Millisecond

func init() {
	pairCmd.Flags().DurationVarP(&pairTimeout, "timeout", "t", 30*time.Second, "How long to wait for the sensor (0 waits until Ctrl+C)")
}

func runPair(cmd *cobra.Command, args []string) error {
	role, err := sensor.ParseRole(args[0])
	if err != nil {
		return err
	}
	id := radio.PeripheralID(args[1])

	sess, err := loadSession(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	m, err := sess.startManager()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if err := requireBluetooth(m); err != nil {
		return err
	}
	if err := m.StartScan(); err != nil {
		return err
	}

	ctx, cancel := interruptible(pairTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Waiting for %s sensor %s...\n", role, id)

	if err := connectWhenSeen(ctx, m, role, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s did not advertise within %s", ErrSensorNotSeen, id, pairTimeout)
		}
		return err
	}

	fmt.Fprintf(out, "Paired %s sensor %s\n", role, id)
	return nil
}

// connectWhenSeen retries Connect until the sensor has been discovered, then
// waits for that attempt to finish.
func connectWhenSeen(ctx context.Context, m *sensor.Manager, role sensor.Role, id radio.PeripheralID) error {
	ticker := time.NewTicker(pairRetryInterval)
	defer ticker.Stop()

	for {
		err := m.Connect(role, id).Wait(ctx)
		if !errors.Is(err, sensor.ErrSensorNotFound) {
			_ = m.StopScan()
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
