package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/blecsc/sensor"
)

const clearLineSequence = "\r\033[K"

var (
	connectedColor  = color.New(color.FgGreen).SprintFunc()
	connectingColor = color.New(color.FgYellow).SprintFunc()
	offColor        = color.New(color.FgRed).SprintFunc()
	valueColor      = color.New(color.Bold).SprintFunc()
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// statusRenderer prints one status line per snapshot. On a terminal the line is
// redrawn in place; otherwise a line is written only when its text changes.
type statusRenderer struct {
	out  io.Writer
	tty  bool
	last string
}

func newStatusRenderer(out io.Writer) *statusRenderer {
	return &statusRenderer{out: out, tty: isTerminal(out)}
}

func (r *statusRenderer) render(snap sensor.Snapshot) {
	line := formatStatus(snap)
	if line == r.last {
		return
	}
	r.last = line
	if r.tty {
		fmt.Fprint(r.out, clearLineSequence+line)
		return
	}
	fmt.Fprintln(r.out, line)
}

// finish leaves the cursor on a fresh line.
func (r *statusRenderer) finish() {
	if r.tty && r.last != "" {
		fmt.Fprintln(r.out)
	}
}

func formatStatus(snap sensor.Snapshot) string {
	if !snap.BluetoothEnabled {
		return offColor("Bluetooth off")
	}
	parts := []string{
		formatRole(snap, sensor.RoleSpeed, "km/h", "%.1f"),
		formatRole(snap, sensor.RoleCadence, "rpm", "%.0f"),
	}
	if snap.Scanning {
		parts = append(parts, "scanning")
	}
	return strings.Join(parts, " | ")
}

func formatRole(snap sensor.Snapshot, role sensor.Role, unit, valueFormat string) string {
	state := snap.Role(role)
	var status string
	switch state.Phase {
	case sensor.Connected:
		status = connectedColor(state.Peripheral)
	case sensor.Connecting:
		status = connectingColor("connecting " + state.Peripheral.String())
	default:
		status = offColor("no sensor")
	}

	value := "--"
	if v := snap.Value(role); v != nil {
		value = fmt.Sprintf(valueFormat, *v)
	}
	return fmt.Sprintf("%s %s %s [%s]", role, valueColor(value), unit, status)
}
