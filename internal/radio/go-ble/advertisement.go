package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blecsc/internal/radio"
)

// advertisement is the subset of ble.Advertisement the central reports.
type advertisement struct {
	addr      string
	localName string
	rssi      int
	services  []string
}

func fromBLE(a ble.Advertisement) advertisement {
	adv := advertisement{
		localName: a.LocalName(),
		rssi:      a.RSSI(),
	}
	if addr := a.Addr(); addr != nil {
		adv.addr = addr.String()
	}
	for _, u := range a.Services() {
		if n := radio.NormalizeUUID(u.String()); n != "" {
			adv.services = append(adv.services, n)
		}
	}
	return adv
}

// matches reports whether the advertisement carries one of wanted.
// An empty filter matches everything.
func (a advertisement) matches(wanted []string) bool {
	if a.addr == "" {
		return false
	}
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if radio.ContainsUUID(a.services, w) {
			return true
		}
	}
	return false
}
