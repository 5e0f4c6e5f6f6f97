package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blecsc/sensor"
)

// forgetCmd represents the forget command
var forgetCmd = &cobra.Command{
	Use:   "forget <speed|cadence>",
	Short: "Forget the sensor paired to a role",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

func runForget(cmd *cobra.Command, args []string) error {
	role, err := sensor.ParseRole(args[0])
	if err != nil {
		return err
	}
	sess, err := loadSession(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	id, ok := sess.store.Get(role.StoreKey())
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s sensor paired\n", role)
		return nil
	}
	if err := sess.store.Delete(role.StoreKey()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s sensor %s\n", role, id)
	return nil
}
