// Package radiotest provides a scriptable radio.Central for tests.
//
// Every request is recorded through testify/mock so tests can use
// AssertCalled / AssertNumberOfCalls / AssertNotCalled, while outcomes are
// produced explicitly by the test with the Emit* helpers:
//
//	c := radiotest.NewCentral()
//	m := sensor.NewManager(c, store.NewMemory())
//	_ = m.Start(ctx)                     // Open emits PowerStateChanged(PowerOn)
//	a := radiotest.NewPeripheral("A", "SPD-1")
//	c.EmitDiscovered(a)
//	res := m.Connect(sensor.RoleSpeed, "A")
//	c.EmitConnected(a)
//	c.AssertNumberOfCalls(t, "Connect", 1)
package radiotest

import (
	"sync"

	"github.com/srg/blecsc/internal/csc"
	"github.com/srg/blecsc/internal/radio"
	"github.com/stretchr/testify/mock"
)

// Peripheral is the mock peripheral variant.
type Peripheral struct {
	PeripheralID radio.PeripheralID
	LocalName    string
}

func NewPeripheral(id radio.PeripheralID, name string) *Peripheral {
	return &Peripheral{PeripheralID: id, LocalName: name}
}

func (p *Peripheral) ID() radio.PeripheralID { return p.PeripheralID }
func (p *Peripheral) Name() string           { return p.LocalName }

// Central is a radio.Central whose requests succeed unless FailWith is used.
type Central struct {
	mock.Mock

	mu       sync.Mutex
	handler  radio.Handler
	initial  radio.PowerState
	failures map[string]error
	known    map[radio.PeripheralID]radio.Peripheral

	advertisers []radio.Peripheral
	autoConnect bool
}

// Option configures a Central.
type Option func(*Central)

// WithInitialPower sets the state reported from Open. Default PowerOn.
func WithInitialPower(s radio.PowerState) Option {
	return func(c *Central) { c.initial = s }
}

// WithKnownPeripherals makes RetrievePeripherals return these devices.
func WithKnownPeripherals(ps ...radio.Peripheral) Option {
	return func(c *Central) {
		for _, p := range ps {
			c.known[p.ID()] = p
		}
	}
}

// WithAdvertisers makes every successful Scan report ps as discovered.
func WithAdvertisers(ps ...radio.Peripheral) Option {
	return func(c *Central) { c.advertisers = append(c.advertisers, ps...) }
}

// WithAutoConnect makes every successful Connect report the link as established
// and answer discovery with the CSC profile.
func WithAutoConnect() Option {
	return func(c *Central) { c.autoConnect = true }
}

func NewCentral(opts ...Option) *Central {
	c := &Central{
		initial:  radio.PowerOn,
		failures: map[string]error{},
		known:    map[radio.PeripheralID]radio.Peripheral{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.On("Open", mock.Anything).Return(nil).Maybe()
	c.On("Close").Return(nil).Maybe()
	c.On("Scan", mock.Anything, mock.Anything).Return(nil).Maybe()
	c.On("StopScan").Return(nil).Maybe()
	c.On("RetrievePeripherals", mock.Anything).Return(nil).Maybe()
	c.On("Connect", mock.Anything, mock.Anything).Return(nil).Maybe()
	c.On("CancelConnection", mock.Anything).Return(nil).Maybe()
	c.On("DiscoverServices", mock.Anything, mock.Anything).Return(nil).Maybe()
	c.On("DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	c.On("SetNotify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return c
}

// FailWith makes every later call of method return err. A nil err clears it.
func (c *Central) FailWith(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, method)
		return
	}
	c.failures[method] = err
}

// AddKnown registers a device for RetrievePeripherals.
func (c *Central) AddKnown(p radio.Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[p.ID()] = p
}

func (c *Central) failure(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[method]
}

func (c *Central) result(method string, args mock.Arguments) error {
	if err := c.failure(method); err != nil {
		return err
	}
	return args.Error(0)
}

func (c *Central) Open(handler radio.Handler) error {
	args := c.Called(handler)
	if err := c.result("Open", args); err != nil {
		return err
	}

	c.mu.Lock()
	c.handler = handler
	initial := c.initial
	c.mu.Unlock()

	handler(radio.PowerStateChanged{State: initial})
	return nil
}

func (c *Central) Close() error {
	args := c.Called()
	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	return c.result("Close", args)
}

func (c *Central) Scan(serviceFilter []string, opts *radio.ScanOptions) error {
	if err := c.result("Scan", c.Called(serviceFilter, opts)); err != nil {
		return err
	}
	for _, p := range c.advertisers {
		c.EmitDiscovered(p)
	}
	return nil
}

func (c *Central) StopScan() error {
	return c.result("StopScan", c.Called())
}

func (c *Central) RetrievePeripherals(ids ...radio.PeripheralID) []radio.Peripheral {
	c.Called(ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []radio.Peripheral
	for _, id := range ids {
		if p, ok := c.known[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *Central) Connect(p radio.Peripheral, opts *radio.ConnectOptions) error {
	if err := c.result("Connect", c.Called(p, opts)); err != nil {
		return err
	}
	if c.autoConnect {
		c.EmitConnected(p)
		c.EmitCSCProfile(p)
	}
	return nil
}

func (c *Central) CancelConnection(p radio.Peripheral) error {
	return c.result("CancelConnection", c.Called(p))
}

func (c *Central) DiscoverServices(p radio.Peripheral, services []string) error {
	return c.result("DiscoverServices", c.Called(p, services))
}

func (c *Central) DiscoverCharacteristics(p radio.Peripheral, service string, characteristics []string) error {
	return c.result("DiscoverCharacteristics", c.Called(p, service, characteristics))
}

func (c *Central) SetNotify(p radio.Peripheral, service, characteristic string, enabled bool) error {
	return c.result("SetNotify", c.Called(p, service, characteristic, enabled))
}

// CallsTo returns the recorded calls of method in order.
func (c *Central) CallsTo(method string) []mock.Call {
	var out []mock.Call
	for _, call := range c.Calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Methods returns the names of all recorded calls in order.
func (c *Central) Methods() []string {
	out := make([]string, 0, len(c.Calls))
	for _, call := range c.Calls {
		out = append(out, call.Method)
	}
	return out
}

// Emit delivers e to the handler registered by Open. It is a no-op before Open.
func (c *Central) Emit(e radio.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (c *Central) EmitPower(s radio.PowerState) {
	c.Emit(radio.PowerStateChanged{State: s})
}

func (c *Central) EmitDiscovered(p radio.Peripheral) {
	c.Emit(radio.Discovered{
		Peripheral: p,
		LocalName:  p.Name(),
		RSSI:       -60,
		Services:   []string{radio.ServiceCyclingSpeedAndCadence},
	})
}

func (c *Central) EmitConnected(p radio.Peripheral) {
	c.Emit(radio.Connected{Peripheral: p})
}

func (c *Central) EmitConnectFailed(p radio.Peripheral, err error) {
	c.Emit(radio.ConnectFailed{Peripheral: p, Err: err})
}

func (c *Central) EmitDisconnected(p radio.Peripheral, err error) {
	c.Emit(radio.Disconnected{Peripheral: p, Err: err})
}

// EmitCSCProfile answers service and characteristic discovery with the CSC service
// and a notifying measurement characteristic.
func (c *Central) EmitCSCProfile(p radio.Peripheral) {
	c.Emit(radio.ServicesDiscovered{Peripheral: p, Services: []string{"180a", radio.ServiceCyclingSpeedAndCadence}})
	c.Emit(radio.CharacteristicsDiscovered{
		Peripheral: p,
		Service:    radio.ServiceCyclingSpeedAndCadence,
		Characteristics: []radio.CharacteristicInfo{
			{UUID: radio.CharacteristicCSCMeasurement, Notify: true},
			{UUID: "2a5c"},
		},
	})
}

// EmitMeasurement delivers a raw CSC Measurement notification.
func (c *Central) EmitMeasurement(p radio.Peripheral, payload []byte) {
	c.Emit(radio.ValueUpdated{
		Peripheral:     p,
		Service:        radio.ServiceCyclingSpeedAndCadence,
		Characteristic: radio.CharacteristicCSCMeasurement,
		Value:          payload,
	})
}

// WheelPayload builds a wheel-only CSC Measurement payload.
func WheelPayload(revolutions uint32, eventTime uint16) []byte {
	return []byte{
		csc.FlagWheelData,
		byte(revolutions), byte(revolutions >> 8), byte(revolutions >> 16), byte(revolutions >> 24),
		byte(eventTime), byte(eventTime >> 8),
	}
}

// CrankPayload builds a crank-only CSC Measurement payload.
func CrankPayload(revolutions uint16, eventTime uint16) []byte {
	return []byte{
		csc.FlagCrankData,
		byte(revolutions), byte(revolutions >> 8),
		byte(eventTime), byte(eventTime >> 8),
	}
}

// CombinedPayload builds a payload with both wheel and crank data.
func CombinedPayload(wheelRevs uint32, wheelTime uint16, crankRevs uint16, crankTime uint16) []byte {
	p := WheelPayload(wheelRevs, wheelTime)
	p[0] |= csc.FlagCrankData
	return append(p, byte(crankRevs), byte(crankRevs>>8), byte(crankTime), byte(crankTime>>8))
}
