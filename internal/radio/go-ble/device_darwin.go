//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// newDevice opens CoreBluetooth. The adapter name has no meaning on macOS.
func newDevice(_ string) (ble.Device, error) {
	return darwin.NewDevice()
}
