package sensor

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/internal/csc"
	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/internal/store"
	"github.com/srg/blecsc/internal/tracker"
)

func (m *Manager) handleEvent(e radio.Event) {
	if m.closed {
		return
	}
	if !hasPeripheral(e) {
		m.logger.WithField("event", e.String()).Debug("Dropping event without peripheral")
		return
	}
	switch ev := e.(type) {
	case radio.PowerStateChanged:
		m.onPowerState(ev)
	case radio.Discovered:
		m.onDiscovered(ev)
	case radio.Connected:
		m.onConnected(ev)
	case radio.ConnectFailed:
		m.onConnectFailed(ev)
	case radio.Disconnected:
		m.onDisconnected(ev)
	case radio.ServicesDiscovered:
		m.onServicesDiscovered(ev)
	case radio.CharacteristicsDiscovered:
		m.onCharacteristicsDiscovered(ev)
	case radio.ValueUpdated:
		m.onValueUpdated(ev)
	default:
		m.logger.WithField("event", e.String()).Debug("Unhandled radio event")
	}
}

func (m *Manager) onPowerState(ev radio.PowerStateChanged) {
	was := m.enabled
	m.enabled = ev.State == radio.PowerOn
	m.logger.WithField("state", ev.State.String()).Info("Bluetooth state changed")

	switch {
	case m.enabled && !was:
		if m.reconnectPending {
			m.reconnectPending = false
			m.reconnect()
		}
	case !m.enabled && was:
		m.scanning = false
		m.registry.clear()
		for _, slot := range m.roles {
			if slot.phase == Disconnected {
				continue
			}
			id := slot.peripheral.ID()
			m.routes.removeRole(id, slot.role)
			slot.reset(connectionFailed(slot.role, id, radio.ErrBluetoothOff))
		}
	}
	m.publish()
}

func (m *Manager) onDiscovered(ev radio.Discovered) {
	if !m.scanning {
		return
	}
	if m.registry.upsert(ev.Peripheral, ev.LocalName, ev.RSSI) {
		m.logger.WithFields(logrus.Fields{
			"peripheral": ev.Peripheral.ID().String(),
			"name":       ev.LocalName,
			"rssi":       ev.RSSI,
		}).Debug("Sensor discovered")
		m.publish()
	}
}

func (m *Manager) onConnected(ev radio.Connected) {
	p := ev.Peripheral
	matched := false
	for _, slot := range m.roles {
		if slot.is(Connecting, p.ID()) {
			m.completeConnect(slot, p)
			matched = true
		}
	}

	if !matched {
		for _, slot := range m.roles {
			if slot.is(Connected, p.ID()) {
				return
			}
		}
		m.logger.WithField("peripheral", p.ID().String()).Debug("Unexpected connection, cancelling")
		m.cancelAtAdapter(p)
		return
	}

	if err := m.central.DiscoverServices(p, []string{radio.ServiceCyclingSpeedAndCadence}); err != nil {
		m.logger.WithField("peripheral", p.ID().String()).WithError(err).Warn("Service discovery request failed")
	}
	m.publish()
}

func (m *Manager) onConnectFailed(ev radio.ConnectFailed) {
	cause := ev.Err
	if cause == nil {
		cause = ErrConnectionFailed
	}
	if m.failConnecting(ev.Peripheral, radio.NormalizeError(cause)) {
		m.logger.WithField("peripheral", ev.Peripheral.ID().String()).WithError(cause).Warn("Connection failed")
		m.publish()
	}
}

func (m *Manager) onDisconnected(ev radio.Disconnected) {
	id := ev.Peripheral.ID()
	changed := false
	for _, slot := range m.roles {
		if !slot.uses(id) {
			continue
		}
		cause := ev.Err
		if cause == nil {
			cause = radio.ErrNotConnected
		}
		m.routes.removeRole(id, slot.role)
		slot.reset(connectionFailed(slot.role, id, radio.NormalizeError(cause)))
		m.roleLogger(slot.role, ev.Peripheral).WithError(ev.Err).Info("Sensor disconnected")
		changed = true
	}
	if changed {
		m.publish()
	}
}

func (m *Manager) connectedTo(id radio.PeripheralID) bool {
	for _, slot := range m.roles {
		if slot.is(Connected, id) {
			return true
		}
	}
	return false
}

func (m *Manager) onServicesDiscovered(ev radio.ServicesDiscovered) {
	p := ev.Peripheral
	if !m.connectedTo(p.ID()) {
		return
	}
	log := m.logger.WithField("peripheral", p.ID().String())
	if ev.Err != nil {
		log.WithError(ev.Err).Warn("Service discovery failed")
		return
	}
	if !radio.ContainsUUID(ev.Services, radio.ServiceCyclingSpeedAndCadence) {
		log.WithField("services", ev.Services).Warn("Peripheral does not expose the cycling speed and cadence service")
		return
	}
	if err := m.central.DiscoverCharacteristics(p, radio.ServiceCyclingSpeedAndCadence,
		[]string{radio.CharacteristicCSCMeasurement}); err != nil {
		log.WithError(err).Warn("Characteristic discovery request failed")
	}
}

func (m *Manager) onCharacteristicsDiscovered(ev radio.CharacteristicsDiscovered) {
	p := ev.Peripheral
	if !m.connectedTo(p.ID()) {
		return
	}
	log := m.logger.WithField("peripheral", p.ID().String())
	if ev.Err != nil {
		log.WithError(ev.Err).Warn("Characteristic discovery failed")
		return
	}
	for _, c := range ev.Characteristics {
		if !radio.EqualUUID(c.UUID, radio.CharacteristicCSCMeasurement) {
			continue
		}
		if !c.Notify {
			log.Warn("Measurement characteristic does not support notifications")
		}
		if err := m.central.SetNotify(p, ev.Service, radio.CharacteristicCSCMeasurement, true); err != nil {
			log.WithError(err).Warn("Failed to enable measurement notifications")
		}
		return
	}
	log.Warn("Measurement characteristic not found")
}

func (m *Manager) onValueUpdated(ev radio.ValueUpdated) {
	id := ev.Peripheral.ID()
	log := m.logger.WithFields(logrus.Fields{
		"peripheral":     id.String(),
		"characteristic": ev.Characteristic,
	})

	kind, ok := kindOf(ev.Characteristic)
	if !ok {
		log.Debug("Ignoring notification from unrouted characteristic")
		return
	}
	roles := m.routes.lookup(id, kind)
	if len(roles) == 0 {
		log.Debug("Dropping stale notification")
		return
	}
	if ev.Err != nil {
		log.WithError(ev.Err).Debug("Notification error")
		return
	}

	complete := csc.Complete(ev.Value)
	if !complete {
		log.WithField("payload", ev.Value).Warn("Truncated measurement payload")
	}

	changed := false
	for _, role := range roles {
		slot := m.roles[role]
		var updated bool
		switch {
		case !complete:
			_, updated = slot.tracker.OnSample(csc.NoUpdate)
		case role == RoleSpeed && csc.HasWheel(ev.Value):
			circumference := store.TireSize(m.store).CircumferenceMM
			_, updated = slot.tracker.Observe(func(prev *csc.RevolutionSample) (csc.Outcome, csc.RevolutionSample) {
				return csc.DecodeSpeed(ev.Value, prev, circumference)
			})
		case role == RoleCadence && csc.HasCrank(ev.Value):
			_, updated = slot.tracker.Observe(func(prev *csc.RevolutionSample) (csc.Outcome, csc.RevolutionSample) {
				return csc.DecodeCadence(ev.Value, prev)
			})
		default:
			_, updated = slot.tracker.OnSample(csc.NoUpdate)
		}
		if updated && slot.tracker.Misses() > tracker.PauseThreshold {
			log.WithFields(logrus.Fields{"role": role.String(), "misses": slot.tracker.Misses()}).
				Debug("No new revolutions, reporting zero")
		}
		changed = changed || updated
	}
	if changed {
		m.publish()
	}
}

func hasPeripheral(e radio.Event) bool {
	switch ev := e.(type) {
	case radio.PowerStateChanged:
		return true
	case radio.Discovered:
		return ev.Peripheral != nil
	case radio.Connected:
		return ev.Peripheral != nil
	case radio.ConnectFailed:
		return ev.Peripheral != nil
	case radio.Disconnected:
		return ev.Peripheral != nil
	case radio.ServicesDiscovered:
		return ev.Peripheral != nil
	case radio.CharacteristicsDiscovered:
		return ev.Peripheral != nil
	case radio.ValueUpdated:
		return ev.Peripheral != nil
	default:
		return true
	}
}
