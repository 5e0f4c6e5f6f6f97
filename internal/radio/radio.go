package radio

import (
	"fmt"
	"time"
)

// PeripheralID identifies a physical device. It is stable across runs and is
// what gets persisted as the "last connected" sensor.
type PeripheralID string

func (id PeripheralID) String() string {
	return string(id)
}

// PowerState mirrors the radio power/authorization state of the central.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (s PowerState) String() string {
	switch s {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "powered_off"
	case PowerOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Peripheral is a discoverable/connectable device handle.
type Peripheral interface {
	ID() PeripheralID
	// Name returns the advertised or cached local name, "" when the device has none.
	Name() string
}

// ScanOptions configures discovery.
type ScanOptions struct {
	AllowDuplicates bool
}

// ConnectOptions configures a connection attempt.
type ConnectOptions struct {
	// Timeout bounds the attempt inside the backend. Zero means the backend
	// waits until CancelConnection is called.
	Timeout time.Duration
}

// Handler receives every event produced by a Central. Centrals may invoke it
// from any goroutine; consumers must serialize on their own.
type Handler func(Event)

// Central is the local radio acting as a GATT client.
//
// Every method except RetrievePeripherals is a request: its outcome arrives
// later as an Event. A returned error means the request could not even be issued.
type Central interface {
	// Open registers the event handler and powers the radio up. The current
	// power state is reported as a PowerStateChanged event as soon as it is known.
	Open(handler Handler) error
	Close() error

	Scan(serviceFilter []string, opts *ScanOptions) error
	StopScan() error

	// RetrievePeripherals returns handles for previously known devices, without scanning.
	RetrievePeripherals(ids ...PeripheralID) []Peripheral

	Connect(p Peripheral, opts *ConnectOptions) error
	// CancelConnection aborts a pending attempt or tears down an established link.
	CancelConnection(p Peripheral) error

	DiscoverServices(p Peripheral, services []string) error
	DiscoverCharacteristics(p Peripheral, service string, characteristics []string) error
	SetNotify(p Peripheral, service, characteristic string, enabled bool) error
}

// Event is one of the concrete event structs below.
type Event interface {
	fmt.Stringer
	event()
}

// PowerStateChanged reports a power/authorization transition.
type PowerStateChanged struct {
	State PowerState
}

// Discovered reports an advertisement from a peripheral.
type Discovered struct {
	Peripheral Peripheral
	LocalName  string
	RSSI       int
	Services   []string
}

// Connected reports a link established by Connect.
type Connected struct {
	Peripheral Peripheral
}

// ConnectFailed reports a Connect that did not succeed.
type ConnectFailed struct {
	Peripheral Peripheral
	Err        error
}

// Disconnected reports loss or teardown of a link.
type Disconnected struct {
	Peripheral Peripheral
	Err        error
}

// ServicesDiscovered answers DiscoverServices.
type ServicesDiscovered struct {
	Peripheral Peripheral
	Services   []string
	Err        error
}

// CharacteristicInfo describes a discovered characteristic.
type CharacteristicInfo struct {
	UUID   string
	Notify bool
}

// CharacteristicsDiscovered answers DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	Peripheral      Peripheral
	Service         string
	Characteristics []CharacteristicInfo
	Err             error
}

// ValueUpdated carries a characteristic notification payload.
type ValueUpdated struct {
	Peripheral     Peripheral
	Service        string
	Characteristic string
	Value          []byte
	Err            error
}

func (PowerStateChanged) event()         {}
func (Discovered) event()                {}
func (Connected) event()                 {}
func (ConnectFailed) event()             {}
func (Disconnected) event()              {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (ValueUpdated) event()              {}

func (e PowerStateChanged) String() string { return "power_state_changed(" + e.State.String() + ")" }
func (e Discovered) String() string        { return "discovered(" + idOf(e.Peripheral) + ")" }
func (e Connected) String() string         { return "connected(" + idOf(e.Peripheral) + ")" }
func (e ConnectFailed) String() string     { return "connect_failed(" + idOf(e.Peripheral) + ")" }
func (e Disconnected) String() string      { return "disconnected(" + idOf(e.Peripheral) + ")" }
func (e ServicesDiscovered) String() string {
	return "services_discovered(" + idOf(e.Peripheral) + ")"
}
func (e CharacteristicsDiscovered) String() string {
	return "characteristics_discovered(" + idOf(e.Peripheral) + ")"
}
func (e ValueUpdated) String() string {
	return "value_updated(" + idOf(e.Peripheral) + "/" + e.Characteristic + ")"
}

func idOf(p Peripheral) string {
	if p == nil {
		return "<nil>"
	}
	return string(p.ID())
}

// BasicPeripheral is a plain value implementation of Peripheral used by
// backends that have nothing more to attach to a handle.
type BasicPeripheral struct {
	PeripheralID PeripheralID
	LocalName    string
}

func (p BasicPeripheral) ID() PeripheralID { return p.PeripheralID }
func (p BasicPeripheral) Name() string     { return p.LocalName }
