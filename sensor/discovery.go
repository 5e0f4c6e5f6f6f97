package sensor

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecsc/internal/radio"
)

// Sensor is a discovered peripheral that can be offered to the user.
type Sensor struct {
	ID   radio.PeripheralID `json:"id"`
	Name string             `json:"name"`
	RSSI int                `json:"rssi"`
}

type discoveredEntry struct {
	peripheral radio.Peripheral
	name       string
	rssi       int
}

// registry is the set of peripherals seen during the current scan, kept in
// discovery order. Loop-owned.
type registry struct {
	entries *orderedmap.OrderedMap[radio.PeripheralID, *discoveredEntry]
}

func newRegistry() *registry {
	return &registry{entries: orderedmap.New[radio.PeripheralID, *discoveredEntry]()}
}

// upsert records an advertisement and reports whether the visible listing changed.
func (r *registry) upsert(p radio.Peripheral, name string, rssi int) bool {
	if name == "" {
		name = p.Name()
	}

	e, ok := r.entries.Get(p.ID())
	if !ok {
		r.entries.Set(p.ID(), &discoveredEntry{peripheral: p, name: name, rssi: rssi})
		return name != ""
	}

	e.peripheral = p
	e.rssi = rssi
	if name != "" && name != e.name {
		e.name = name
		return true
	}
	return false
}

func (r *registry) get(id radio.PeripheralID) (*discoveredEntry, bool) {
	return r.entries.Get(id)
}

func (r *registry) clear() {
	r.entries = orderedmap.New[radio.PeripheralID, *discoveredEntry]()
}

func (r *registry) len() int {
	return r.entries.Len()
}

// sensors lists named entries in discovery order.
func (r *registry) sensors() []Sensor {
	out := make([]Sensor, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.name == "" {
			continue
		}
		out = append(out, Sensor{ID: pair.Key, Name: pair.Value.name, RSSI: pair.Value.rssi})
	}
	return out
}
