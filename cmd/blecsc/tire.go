package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blecsc/internal/csc"
	"github.com/srg/blecsc/internal/store"
)

// tireCmd represents the tire command
var tireCmd = &cobra.Command{
	Use:   "tire [size]",
	Short: "Show or set the wheel circumference",
	Long: `Show or set the wheel circumference used to turn wheel revolutions into speed.

size is a preset (700x23, 700x25, 700x28) or a circumference in millimeters, e.g. 2136.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTire,
}

func runTire(cmd *cobra.Command, args []string) error {
	var size csc.TireSize
	if len(args) == 1 {
		var err error
		if size, err = csc.ParseTireSize(args[0]); err != nil {
			return err
		}
	}

	sess, err := loadSession(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		current := store.TireSize(sess.store)
		fmt.Fprintf(out, "Tire size: %s\n", current)
		fmt.Fprintln(out, "Presets:")
		for _, p := range csc.StandardTireSizes() {
			marker := " "
			if p == current {
				marker = "*"
			}
			fmt.Fprintf(out, "  %s %s\n", marker, p)
		}
		return nil
	}

	if err := store.SetTireSize(sess.store, size); err != nil {
		return err
	}
	fmt.Fprintf(out, "Tire size set to %s\n", size)
	return nil
}
