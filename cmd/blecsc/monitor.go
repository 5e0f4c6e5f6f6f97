package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecsc/internal/groutine"
	"github.com/srg/blecsc/internal/telemetry"
	"github.com/srg/blecsc/sensor"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show live speed and cadence",
	Long: `Reconnect the paired sensors and show live speed (km/h) and cadence (rpm) until Ctrl+C.

When mqtt.broker is set in the config, every change is also published to
<topic_prefix>/speed, <topic_prefix>/cadence and the retained <topic_prefix>/status.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorDuration time.Duration
	monitorNoMQTT   bool
)

func init() {
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	monitorCmd.Flags().BoolVar(&monitorNoMQTT, "no-mqtt", false, "Do not publish to the configured MQTT broker")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
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

	ctx, cancel := interruptible(monitorDuration)
	defer cancel()

	out := cmd.OutOrStdout()
	for _, role := range sensor.Roles() {
		if id, ok := sess.store.Get(role.StoreKey()); ok {
			fmt.Fprintf(out, "Reconnecting %s sensor %s\n", role, id)
		}
	}

	if !monitorNoMQTT {
		stop, err := startTelemetry(ctx, sess, m)
		if err != nil {
			return err
		}
		defer stop()
	}

	sub := m.Subscribe()
	defer sub.Close()

	r := newStatusRenderer(out)
	defer r.finish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.render(snap)
		}
	}
}

// startTelemetry runs the MQTT sink in the background when a broker is
// configured. The returned func stops it and waits for it to exit.
func startTelemetry(ctx context.Context, sess *session, m *sensor.Manager) (func(), error) {
	sink, err := telemetry.NewMQTTSink(sess.cfg.MQTT, sess.logger)
	if errors.Is(err, telemetry.ErrDisabled) {
		return func() {}, nil
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := m.Subscribe()
	done := groutine.Go(ctx, "mqtt-sink", func(ctx context.Context) {
		if err := sink.Connect(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				sess.logger.WithError(err).Warn("MQTT telemetry disabled")
			}
			return
		}
		if err := sink.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
			sess.logger.WithError(err).Warn("MQTT telemetry stopped")
		}
	})

	return func() {
		cancel()
		<-done
		sub.Close()
		sink.Close()
	}, nil
}
