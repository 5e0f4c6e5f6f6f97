//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blecsc/internal/groutine"
	"github.com/srg/blecsc/internal/radio"
)

// Central implements radio.Central over a BlueZ adapter.
type Central struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	mu       sync.Mutex
	handler  radio.Handler
	enabled  bool
	scanning bool
	names    map[radio.PeripheralID]string
	sessions map[radio.PeripheralID]*session
}

// NewCentral creates a central for the BlueZ adapter id ("hci0"); "" selects the default adapter.
func NewCentral(adapterID string, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	adapter := bluetooth.DefaultAdapter
	if adapterID != "" {
		adapter = bluetooth.NewAdapter(adapterID)
	}
	return &Central{
		adapter:  adapter,
		logger:   logger,
		names:    map[radio.PeripheralID]string{},
		sessions: map[radio.PeripheralID]*session{},
	}
}

func (c *Central) Open(handler radio.Handler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	if err := c.adapter.Enable(); err != nil {
		err = radio.NormalizeError(err)
		if !errors.Is(err, radio.ErrBluetoothOff) {
			return fmt.Errorf("failed to enable BlueZ adapter: %w", err)
		}
		c.logger.WithError(err).Warn("Bluetooth is off")
		handler(radio.PowerStateChanged{State: radio.PowerOff})
		return nil
	}

	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			c.onLinkLost(radio.PeripheralID(device.Address.String()))
		}
	})

	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	handler(radio.PowerStateChanged{State: radio.PowerOn})
	return nil
}

func (c *Central) Close() error {
	_ = c.StopScan()

	c.mu.Lock()
	sessions := make(map[radio.PeripheralID]*session, len(c.sessions))
	for id, s := range c.sessions {
		sessions[id] = s
	}
	c.enabled = false
	c.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if link := s.cancel(); link != nil {
			if err := link.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("disconnect %s: %w", id, radio.NormalizeError(err)))
			}
		}
	}

	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	return errors.Join(errs...)
}

func (c *Central) emit(e radio.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (c *Central) peripheral(id radio.PeripheralID) radio.Peripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	return radio.BasicPeripheral{PeripheralID: id, LocalName: c.names[id]}
}

func (c *Central) session(id radio.PeripheralID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = &session{}
		c.sessions[id] = s
	}
	return s
}

// Scan ignores AllowDuplicates: BlueZ reports repeated advertisements as property updates.
func (c *Central) Scan(serviceFilter []string, _ *radio.ScanOptions) error {
	wanted := radio.NormalizeUUIDs(serviceFilter)
	filter, err := toUUIDs(wanted)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return radio.ErrBluetoothOff
	}
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	groutine.Go(context.Background(), "bluez-scan", func(context.Context) {
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			c.onScanResult(r, wanted, filter)
		})
		if err != nil {
			c.logger.WithError(radio.NormalizeError(err)).Warn("Scan ended with error")
		}
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
	})
	return nil
}

func (c *Central) onScanResult(r bluetooth.ScanResult, wanted []string, filter []bluetooth.UUID) {
	var services []string
	for i, u := range filter {
		if r.HasServiceUUID(u) {
			services = append(services, wanted[i])
		}
	}
	if len(filter) > 0 && len(services) == 0 {
		return
	}

	id := radio.PeripheralID(r.Address.String())
	name := r.LocalName()
	if name != "" {
		c.mu.Lock()
		c.names[id] = name
		c.mu.Unlock()
	}
	c.emit(radio.Discovered{
		Peripheral: c.peripheral(id),
		LocalName:  name,
		RSSI:       int(r.RSSI),
		Services:   services,
	})
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return nil
	}
	return radio.NormalizeError(c.adapter.StopScan())
}

// RetrievePeripherals returns handles for ids that are valid MAC addresses;
// BlueZ connects by address without a prior scan.
func (c *Central) RetrievePeripherals(ids ...radio.PeripheralID) []radio.Peripheral {
	out := make([]radio.Peripheral, 0, len(ids))
	for _, id := range ids {
		if _, err := toAddress(id); err != nil {
			c.logger.WithField("peripheral", id.String()).Debug("Ignoring unknown peripheral id")
			continue
		}
		out = append(out, c.peripheral(id))
	}
	return out
}

func (c *Central) Connect(p radio.Peripheral, opts *radio.ConnectOptions) error {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if !enabled {
		return radio.ErrBluetoothOff
	}

	addr, err := toAddress(p.ID())
	if err != nil {
		return err
	}
	s := c.session(p.ID())
	dial, err := s.begin()
	if err != nil {
		return err
	}

	log := c.logger.WithField("peripheral", p.ID().String())
	if !dial {
		log.Debug("Connect already in progress, waiting for it")
		return nil
	}

	params := connectParams(opts)
	if opts != nil && opts.Timeout > 0 {
		log = log.WithField("timeout", opts.Timeout)
	}
	log.Debug("Connecting via BlueZ...")

	groutine.Go(context.Background(), "bluez-connect", func(context.Context) {
		device, err := c.adapter.Connect(addr, params)
		var link conn
		if err == nil {
			link = device
		}
		if !s.finish(link, err) {
			if link != nil {
				log.Debug("Connect completed after cancellation, dropping link")
				_ = link.Disconnect()
			}
			return
		}
		if err != nil {
			c.emit(radio.ConnectFailed{Peripheral: c.peripheral(p.ID()), Err: radio.NormalizeError(err)})
			return
		}
		c.emit(radio.Connected{Peripheral: c.peripheral(p.ID())})
	})
	return nil
}

func connectParams(opts *radio.ConnectOptions) bluetooth.ConnectionParams {
	var params bluetooth.ConnectionParams
	if opts != nil && opts.Timeout > 0 {
		params.ConnectionTimeout = bluetooth.NewDuration(opts.Timeout)
	}
	return params
}

func (c *Central) onLinkLost(id radio.PeripheralID) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if ok && s.lost() {
		c.emit(radio.Disconnected{Peripheral: c.peripheral(id), Err: radio.ErrNotConnected})
	}
}

func (c *Central) CancelConnection(p radio.Peripheral) error {
	link := c.session(p.ID()).cancel()
	if link == nil {
		return nil
	}
	return radio.NormalizeError(link.Disconnect())
}

func (c *Central) DiscoverServices(p radio.Peripheral, services []string) error {
	s := c.session(p.ID())
	link := s.connected()
	if link == nil {
		return radio.ErrNotConnected
	}
	filter, err := toUUIDs(services)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "bluez-discover-services", func(context.Context) {
		svcs, err := link.DiscoverServices(filter)
		if err != nil {
			c.emit(radio.ServicesDiscovered{Peripheral: c.peripheral(p.ID()), Err: radio.NormalizeError(err)})
			return
		}
		c.emit(radio.ServicesDiscovered{Peripheral: c.peripheral(p.ID()), Services: s.storeServices(svcs)})
	})
	return nil
}

func (c *Central) DiscoverCharacteristics(p radio.Peripheral, service string, characteristics []string) error {
	s := c.session(p.ID())
	if s.connected() == nil {
		return radio.ErrNotConnected
	}
	svc, ok := s.service(service)
	if !ok {
		return &radio.NotFoundError{Resource: "service", IDs: []string{service}}
	}
	filter, err := toUUIDs(characteristics)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "bluez-discover-characteristics", func(context.Context) {
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			c.emit(radio.CharacteristicsDiscovered{
				Peripheral: c.peripheral(p.ID()), Service: service, Err: radio.NormalizeError(err),
			})
			return
		}
		infos := make([]radio.CharacteristicInfo, 0, len(chars))
		for _, ch := range chars {
			// BlueZ rejects StartNotify on its own when the flag is missing.
			infos = append(infos, radio.CharacteristicInfo{UUID: s.storeCharacteristic(service, ch), Notify: true})
		}
		c.emit(radio.CharacteristicsDiscovered{Peripheral: c.peripheral(p.ID()), Service: service, Characteristics: infos})
	})
	return nil
}

func (c *Central) SetNotify(p radio.Peripheral, service, characteristic string, enabled bool) error {
	s := c.session(p.ID())
	if s.connected() == nil {
		return radio.ErrNotConnected
	}
	ch, ok := s.characteristic(service, characteristic)
	if !ok {
		return &radio.NotFoundError{Resource: "characteristic", IDs: []string{service, characteristic}}
	}
	if !enabled {
		return radio.NormalizeError(ch.EnableNotifications(nil))
	}

	svcUUID, charUUID := radio.NormalizeUUID(service), radio.NormalizeUUID(characteristic)
	err := ch.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		c.emit(radio.ValueUpdated{
			Peripheral: c.peripheral(p.ID()), Service: svcUUID, Characteristic: charUUID, Value: value,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to enable notifications: %w", radio.NormalizeError(err))
	}
	return nil
}
