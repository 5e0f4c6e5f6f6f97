//go:build linux

package bluez

import (
	"fmt"
	"strconv"

	"tinygo.org/x/bluetooth"

	"github.com/srg/blecsc/internal/radio"
)

// toUUID converts a radio UUID string into a tinygo UUID.
func toUUID(s string) (bluetooth.UUID, error) {
	n := radio.NormalizeUUID(s)
	switch len(n) {
	case 4:
		v, err := strconv.ParseUint(n, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(n, 16, 32)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New32BitUUID(uint32(v)), nil
	case 32:
		return bluetooth.ParseUUID(n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:])
	default:
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q", s)
	}
}

func toUUIDs(list []string) ([]bluetooth.UUID, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]bluetooth.UUID, 0, len(list))
	for _, s := range list {
		u, err := toUUID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func fromUUID(u bluetooth.UUID) string {
	return radio.NormalizeUUID(u.String())
}

// toAddress parses a BlueZ peripheral id (a MAC address).
func toAddress(id radio.PeripheralID) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(id.String())
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid peripheral address %q: %w", id, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}
