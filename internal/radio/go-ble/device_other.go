//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blecsc/internal/radio"
)

func newDevice(_ string) (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble backend on %s", radio.ErrUnsupported, runtime.GOOS)
}
