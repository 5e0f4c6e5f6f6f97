package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecsc/sensor"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for cycling speed and cadence sensors",
	Long: `Scan for Bluetooth Low Energy sensors advertising the Cycling Speed and Cadence
service and list them by name, id and signal strength.

The id is what 'blecsc pair' expects. Sensors that advertise no name are not listed.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); defaults to output_format from the config")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every named device, not only CSC sensors")
}

func runScan(cmd *cobra.Command, _ []string) error {
	sess, err := loadSession(cmd)
	if err != nil {
		return err
	}

	format := sess.cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var opts []sensor.Option
	if scanAll || sess.cfg.ScanAllDevices {
		opts = append(opts, sensor.WithScanFilter(nil))
	}
	m, err := sess.startManager(opts...)
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

	ctx, cancel := interruptible(scanDuration)
	defer cancel()
	<-ctx.Done()

	sensors := m.Sensors()
	if err := m.StopScan(); err != nil {
		sess.logger.WithError(err).Debug("Stop scan failed")
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		return displaySensorsJSON(out, sensors)
	}
	return displaySensorsTable(out, sensors)
}

func displaySensorsTable(out io.Writer, sensors []sensor.Sensor) error {
	if len(sensors) == 0 {
		_, err := fmt.Fprintln(out, "No sensors discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, s := range sensors {
		name := s.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", name, s.ID, s.RSSI)
	}
	return w.Flush()
}

func displaySensorsJSON(out io.Writer, sensors []sensor.Sensor) error {
	if sensors == nil {
		sensors = []sensor.Sensor{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(sensors)
}
