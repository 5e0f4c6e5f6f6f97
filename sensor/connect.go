package sensor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/internal/radio"
)

// The functions in this file run on the event loop.

func (m *Manager) roleLogger(role Role, p radio.Peripheral) *logrus.Entry {
	fields := logrus.Fields{"role": role.String()}
	if p != nil {
		fields["peripheral"] = p.ID().String()
	}
	return m.logger.WithFields(fields)
}

func (m *Manager) startScan() error {
	if !m.enabled {
		m.logger.Debug("Bluetooth is off, scan request ignored")
		return nil
	}
	if m.scanning {
		return nil
	}
	if err := m.central.Scan(m.scanFilter, &radio.ScanOptions{AllowDuplicates: true}); err != nil {
		return fmt.Errorf("failed to start scan: %w", radio.NormalizeError(err))
	}
	m.scanning = true
	m.logger.WithField("filter", m.scanFilter).Info("Scanning for sensors")
	m.publish()
	return nil
}

func (m *Manager) stopScan() error {
	var err error
	if m.scanning {
		if serr := m.central.StopScan(); serr != nil {
			err = fmt.Errorf("failed to stop scan: %w", radio.NormalizeError(serr))
		}
		m.scanning = false
		m.logger.Info("Scan stopped")
	}
	m.registry.clear()
	m.publish()
	return err
}

func (m *Manager) connect(role Role, id radio.PeripheralID, res *ConnectResult) {
	if !role.valid() {
		res.resolve(fmt.Errorf("invalid role %d", int(role)))
		return
	}
	entry, ok := m.registry.get(id)
	if !ok {
		m.roleLogger(role, nil).WithField("peripheral", id.String()).Warn("Connect requested for unknown sensor")
		res.resolve(&SensorNotFoundError{ID: id})
		return
	}
	m.connectPeripheral(role, entry.peripheral, res)
}

// connectPeripheral drives the role state machine towards Connected(p).
func (m *Manager) connectPeripheral(role Role, p radio.Peripheral, res *ConnectResult) {
	slot := m.roles[role]
	other := m.roles[role.other()]
	log := m.roleLogger(role, p)

	if !m.enabled {
		res.resolve(connectionFailed(role, p.ID(), radio.ErrBluetoothOff))
		return
	}

	switch slot.phase {
	case Connected:
		if slot.peripheral.ID() == p.ID() {
			res.resolve(nil)
			return
		}
		old := slot.peripheral
		log.WithField("previous", old.ID().String()).Info("Switching sensor")
		m.routes.removeRole(old.ID(), role)
		slot.reset(nil)
		if !other.uses(old.ID()) {
			m.cancelAtAdapter(old)
		}

	case Connecting:
		old := slot.peripheral
		log.WithField("previous", old.ID().String()).Info("Superseding pending connection")
		slot.reset(connectionFailed(role, old.ID(), ErrSuperseded))
		if !other.uses(old.ID()) {
			m.cancelAtAdapter(old)
		}
	}

	if other.is(Connected, p.ID()) {
		log.Info("Sharing existing link")
		slot.peripheral = p
		slot.pending = res
		m.completeConnect(slot, p)
		m.publish()
		return
	}

	slot.phase = Connecting
	slot.peripheral = p
	slot.pending = res
	slot.attempt++
	m.armTimeout(slot)

	if other.is(Connecting, p.ID()) {
		log.Debug("Joining pending connection")
		m.publish()
		return
	}

	log.Info("Connecting")
	if err := m.central.Connect(p, &radio.ConnectOptions{Timeout: m.connectTimeout}); err != nil {
		err = radio.NormalizeError(err)
		log.WithError(err).Warn("Connect request rejected")
		m.failConnecting(p, err)
	}
	m.publish()
}

func (m *Manager) armTimeout(slot *roleSlot) {
	slot.stopTimer()
	if m.connectTimeout <= 0 {
		return
	}
	role, attempt := slot.role, slot.attempt
	slot.timer = time.AfterFunc(m.connectTimeout, func() {
		m.mailbox.post(func() { m.onConnectTimeout(role, attempt) })
	})
}

func (m *Manager) onConnectTimeout(role Role, attempt uint64) {
	slot := m.roles[role]
	if slot.phase != Connecting || slot.attempt != attempt {
		return
	}
	p := slot.peripheral
	m.roleLogger(role, p).WithField("timeout", m.connectTimeout).Warn("Connection attempt timed out")

	slot.timer = nil
	slot.reset(connectionFailed(role, p.ID(), fmt.Errorf("%w after %s", radio.ErrTimeout, m.connectTimeout)))
	if !m.roles[role.other()].uses(p.ID()) {
		m.cancelAtAdapter(p)
	}
	m.publish()
}

// completeConnect moves slot to Connected(p) and resolves its pending result.
func (m *Manager) completeConnect(slot *roleSlot, p radio.Peripheral) {
	slot.stopTimer()
	slot.phase = Connected
	slot.peripheral = p
	slot.tracker.Clear()
	m.routes.add(p.ID(), kindCSCMeasurement, slot.role)

	if err := m.store.Set(slot.role.StoreKey(), p.ID().String()); err != nil {
		m.roleLogger(slot.role, p).WithError(err).Warn("Failed to remember sensor")
	}
	if slot.pending != nil {
		slot.pending.resolve(nil)
		slot.pending = nil
	}
	m.roleLogger(slot.role, p).Info("Sensor connected")
}

// failConnecting returns every role connecting to p to Disconnected.
func (m *Manager) failConnecting(p radio.Peripheral, cause error) bool {
	failed := false
	for _, slot := range m.roles {
		if !slot.is(Connecting, p.ID()) {
			continue
		}
		slot.reset(connectionFailed(slot.role, p.ID(), cause))
		failed = true
	}
	return failed
}

func (m *Manager) disconnect(role Role) error {
	if !role.valid() {
		return fmt.Errorf("invalid role %d", int(role))
	}
	slot := m.roles[role]
	var errs []error

	if slot.phase != Disconnected {
		p := slot.peripheral
		m.roleLogger(role, p).WithField("state", slot.phase.String()).Info("Disconnecting sensor")

		m.routes.removeRole(p.ID(), role)
		slot.reset(connectionFailed(role, p.ID(), radio.ErrCanceled))
		if !m.roles[role.other()].uses(p.ID()) {
			if err := m.central.CancelConnection(p); err != nil {
				errs = append(errs, fmt.Errorf("failed to cancel connection: %w", radio.NormalizeError(err)))
			}
		}
	}

	if err := m.store.Delete(role.StoreKey()); err != nil {
		errs = append(errs, fmt.Errorf("failed to forget %s sensor: %w", role, err))
	}
	m.publish()
	return errors.Join(errs...)
}

func (m *Manager) cancelAtAdapter(p radio.Peripheral) {
	if err := m.central.CancelConnection(p); err != nil {
		m.logger.WithField("peripheral", p.ID().String()).WithError(err).Debug("Cancel connection failed")
	}
}

// reconnect connects every role to its remembered sensor without scanning.
func (m *Manager) reconnect() {
	for _, role := range Roles() {
		id, ok := m.store.Get(role.StoreKey())
		if !ok || id == "" {
			continue
		}
		log := m.roleLogger(role, nil).WithField("peripheral", id)

		found := m.central.RetrievePeripherals(radio.PeripheralID(id))
		if len(found) == 0 {
			log.Info("Remembered sensor is not known to the adapter")
			continue
		}

		log.Info("Reconnecting remembered sensor")
		m.connectPeripheral(role, found[0], newConnectResult())
	}
}
