// Package sensor connects to Bluetooth Cycling Speed and Cadence sensors and
// publishes live speed and cadence.
//
// A Manager owns two independent roles (speed and cadence), each bound to at
// most one peripheral. All state lives on a single event-loop goroutine:
// radio events and public calls are queued as closures and run in order, so
// nothing inside the manager needs a lock. Readers observe state through
// Snapshot or a Subscription.
package sensor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/internal/groutine"
	"github.com/srg/blecsc/internal/radio"
)

// SettingsStore persists the last connected sensor per role and the wheel size.
type SettingsStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultSubscriberBuffer = 16
)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConnectTimeout bounds each connection attempt. Zero disables the timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithScanFilter sets the advertised services scanned for. An empty filter reports every device.
func WithScanFilter(services []string) Option {
	return func(m *Manager) {
		m.scanFilter = radio.NormalizeUUIDs(services)
		if len(m.scanFilter) == 0 {
			m.scanFilter = nil
		}
	}
}

// WithSubscriberBuffer sets how many snapshots a subscription buffers.
func WithSubscriberBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.subscriberBuffer = n
		}
	}
}

// Manager is the sensor connection manager.
type Manager struct {
	central          radio.Central
	store            SettingsStore
	logger           *logrus.Logger
	connectTimeout   time.Duration
	scanFilter       []string
	subscriberBuffer int

	mailbox   *mailbox
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stopOnce  sync.Once
	stop     chan struct{}
	loopDone <-chan struct{}
	last     atomic.Pointer[Snapshot]

	// Loop-owned state.
	enabled          bool
	scanning         bool
	reconnectPending bool
	closed           bool
	registry         *registry
	routes           *routingTable
	roles            [2]*roleSlot
	subscribers      map[*Subscription]struct{}
}

// NewManager creates a manager for central. Call Start before using it.
func NewManager(central radio.Central, store SettingsStore, opts ...Option) *Manager {
	m := &Manager{
		central:          central,
		store:            store,
		logger:           logrus.New(),
		connectTimeout:   defaultConnectTimeout,
		scanFilter:       []string{radio.ServiceCyclingSpeedAndCadence},
		subscriberBuffer: defaultSubscriberBuffer,
		mailbox:          newMailbox(),
		stop:             make(chan struct{}),
		reconnectPending: true,
		registry:         newRegistry(),
		routes:           newRoutingTable(),
		roles:            [2]*roleSlot{newRoleSlot(RoleSpeed), newRoleSlot(RoleCadence)},
		subscribers:      map[*Subscription]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	snap := m.snapshot()
	m.last.Store(&snap)
	return m
}

// Start launches the event loop and opens the central. Sensors remembered from
// a previous run are reconnected as soon as Bluetooth is powered on.
// Cancelling ctx has the same effect as Close, minus closing the central.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	m.loopDone = groutine.Go(ctx, "sensor-manager", m.run)

	if err := m.central.Open(m.onEvent); err != nil {
		m.halt()
		return radio.NormalizeError(err)
	}

	m.logger.WithField("timeout", m.connectTimeout).Debug("Sensor manager started")
	return nil
}

// Close tears down every connection, stops scanning, closes all subscriptions
// and the central.
func (m *Manager) Close() error {
	if !m.started.Load() {
		return nil
	}
	m.closeOnce.Do(func() {
		_ = m.do(m.shutdown)
		m.halt()
		m.closeErr = m.central.Close()
	})
	return m.closeErr
}

func (m *Manager) halt() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.loopDone
}

func (m *Manager) run(ctx context.Context) {
	defer m.mailbox.close()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			m.shutdown()
			return
		case <-m.mailbox.signal:
			for _, fn := range m.mailbox.drain() {
				fn()
			}
		}
	}
}

// onEvent is the radio.Handler; it may be called from any goroutine.
func (m *Manager) onEvent(e radio.Event) {
	m.mailbox.post(func() { m.handleEvent(e) })
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(fn func()) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	ran := false
	if !m.mailbox.post(func() {
		defer close(done)
		if m.closed {
			return
		}
		fn()
		ran = true
	}) {
		return ErrManagerClosed
	}

	select {
	case <-done:
	case <-m.loopDone:
		select {
		case <-done:
		default:
			return ErrManagerClosed
		}
	}
	if !ran {
		return ErrManagerClosed
	}
	return nil
}

// BluetoothEnabled reports whether the radio is powered on.
func (m *Manager) BluetoothEnabled() bool {
	return m.Snapshot().BluetoothEnabled
}

// State returns the connection state of role.
func (m *Manager) State(role Role) RoleState {
	return m.Snapshot().Role(role)
}

// Sensors lists named sensors found by the current scan, in discovery order.
func (m *Manager) Sensors() []Sensor {
	return m.Snapshot().Sensors
}

// Snapshot returns the current state. After Close it returns the last published state.
func (m *Manager) Snapshot() Snapshot {
	var snap Snapshot
	ok := false
	if err := m.do(func() { snap, ok = m.snapshot(), true }); err != nil || !ok {
		return *m.last.Load()
	}
	return snap
}

// StartScan begins discovery. It is a no-op while scanning or while Bluetooth is off.
func (m *Manager) StartScan() error {
	var err error
	if derr := m.do(func() { err = m.startScan() }); derr != nil {
		return derr
	}
	return err
}

// StopScan ends discovery and forgets every discovered sensor.
func (m *Manager) StopScan() error {
	var err error
	if derr := m.do(func() { err = m.stopScan() }); derr != nil {
		return derr
	}
	return err
}

// Connect binds role to the discovered sensor id. The result resolves once the
// link is up or the attempt failed. An id that was not discovered resolves
// immediately with *SensorNotFoundError without touching the radio.
func (m *Manager) Connect(role Role, id radio.PeripheralID) *ConnectResult {
	res := newConnectResult()
	if err := m.do(func() { m.connect(role, id, res) }); err != nil {
		return resolvedResult(connectionFailed(role, id, err))
	}
	return res
}

// Disconnect releases role immediately and forgets its remembered sensor.
func (m *Manager) Disconnect(role Role) error {
	var err error
	if derr := m.do(func() { err = m.disconnect(role) }); derr != nil {
		return derr
	}
	return err
}

// Subscribe returns a subscription whose first value is the current snapshot.
// After Close the returned subscription is already closed.
func (m *Manager) Subscribe() *Subscription {
	sub := newSubscription(m.subscriberBuffer, m.unsubscribe)
	if err := m.do(func() {
		m.subscribers[sub] = struct{}{}
		sub.send(m.snapshot())
	}); err != nil {
		sub.ch.Close()
	}
	return sub
}

func (m *Manager) unsubscribe(sub *Subscription) {
	m.mailbox.post(func() { delete(m.subscribers, sub) })
}

func (m *Manager) snapshot() Snapshot {
	snap := Snapshot{
		BluetoothEnabled: m.enabled,
		Scanning:         m.scanning,
		Sensors:          m.registry.sensors(),
		Speed:            m.roles[RoleSpeed].state(),
		Cadence:          m.roles[RoleCadence].state(),
	}
	if v, ok := m.roles[RoleSpeed].tracker.Value(); ok {
		snap.SpeedKmh = &v
	}
	if v, ok := m.roles[RoleCadence].tracker.Value(); ok {
		snap.CadenceRPM = &v
	}
	return snap
}

func (m *Manager) publish() {
	snap := m.snapshot()
	m.last.Store(&snap)
	for sub := range m.subscribers {
		if !sub.send(snap) {
			delete(m.subscribers, sub)
		}
	}
}

// shutdown runs on the loop exactly once.
func (m *Manager) shutdown() {
	if m.closed {
		return
	}
	if m.scanning {
		if err := m.central.StopScan(); err != nil {
			m.logger.WithError(err).Debug("Failed to stop scan on shutdown")
		}
		m.scanning = false
	}
	m.registry.clear()

	for _, slot := range m.roles {
		if slot.phase == Disconnected {
			continue
		}
		p := slot.peripheral
		other := m.roles[slot.role.other()]
		slot.reset(connectionFailed(slot.role, p.ID(), ErrManagerClosed))
		m.routes.removeRole(p.ID(), slot.role)
		if !other.uses(p.ID()) {
			m.cancelAtAdapter(p)
		}
	}
	m.publish()

	for sub := range m.subscribers {
		sub.ch.Close()
		delete(m.subscribers, sub)
	}
	m.closed = true
	m.logger.Debug("Sensor manager closed")
}

// mailbox is an unbounded FIFO of closures; post never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (mb *mailbox) post(fn func()) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.items = append(mb.items, fn)
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return true
}

func (mb *mailbox) drain() []func() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	items := mb.items
	mb.items = nil
	return items
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.items = nil
}
