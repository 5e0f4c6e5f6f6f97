package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/internal/groutine"
	"github.com/srg/blecsc/internal/radio"
)

// DeviceFactory creates the ble.Device for an adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// gattClient is the part of ble.Client the central drives.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

type (
	scanFunc func(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	dialFunc func(ctx context.Context, addr ble.Addr) (gattClient, error)
)

// Central implements radio.Central on top of github.com/go-ble/ble.
type Central struct {
	adapter string
	logger  *logrus.Logger

	mu         sync.Mutex
	handler    radio.Handler
	stop       func() error
	scan       scanFunc
	dial       dialFunc
	scanCancel context.CancelFunc
	scanGen    uint64

	peripherals *hashmap.Map[radio.PeripheralID, *peripheral]
}

// NewCentral creates a central for adapter ("hci0" style on Linux, ignored on macOS).
func NewCentral(adapter string, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		adapter:     adapter,
		logger:      logger,
		peripherals: hashmap.New[radio.PeripheralID, *peripheral](),
	}
}

func (c *Central) Open(handler radio.Handler) error {
	dev, err := DeviceFactory(c.adapter)
	if err != nil {
		err = radio.NormalizeError(err)
		if !errors.Is(err, radio.ErrBluetoothOff) {
			return fmt.Errorf("failed to create BLE device: %w", err)
		}
		c.logger.WithError(err).Warn("Bluetooth is off")
		c.mu.Lock()
		c.handler = handler
		c.mu.Unlock()
		handler(radio.PowerStateChanged{State: radio.PowerOff})
		return nil
	}

	c.attach(handler, dev.Scan, func(ctx context.Context, addr ble.Addr) (gattClient, error) {
		cl, err := dev.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}, dev.Stop)
	handler(radio.PowerStateChanged{State: radio.PowerOn})
	return nil
}

func (c *Central) attach(handler radio.Handler, scan scanFunc, dial dialFunc, stop func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.scan = scan
	c.dial = dial
	c.stop = stop
}

func (c *Central) Close() error {
	_ = c.StopScan()

	c.peripherals.Range(func(_ radio.PeripheralID, p *peripheral) bool {
		if err := c.CancelConnection(p); err != nil {
			c.logger.WithField("peripheral", p.id.String()).WithError(err).Debug("Cancel on close failed")
		}
		return true
	})

	c.mu.Lock()
	stop := c.stop
	c.handler, c.scan, c.dial, c.stop = nil, nil, nil, nil
	c.mu.Unlock()

	if stop != nil {
		return radio.NormalizeError(stop())
	}
	return nil
}

func (c *Central) emit(e radio.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (c *Central) Scan(serviceFilter []string, opts *radio.ScanOptions) error {
	c.mu.Lock()
	if c.scan == nil {
		c.mu.Unlock()
		return radio.ErrBluetoothOff
	}
	if c.scanCancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.scanCancel = cancel
	c.scanGen++
	gen, scan := c.scanGen, c.scan
	c.mu.Unlock()

	wanted := radio.NormalizeUUIDs(serviceFilter)
	allowDup := opts != nil && opts.AllowDuplicates

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := scan(ctx, allowDup, func(a ble.Advertisement) {
			c.onAdvertisement(fromBLE(a), wanted)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(radio.NormalizeError(err)).Warn("Scan ended with error")
		}

		c.mu.Lock()
		if c.scanGen == gen && c.scanCancel != nil {
			c.scanCancel()
			c.scanCancel = nil
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Central) onAdvertisement(a advertisement, wanted []string) {
	if !a.matches(wanted) {
		return
	}
	p := c.lookup(radio.PeripheralID(a.addr))
	if a.localName != "" {
		p.setName(a.localName)
	}
	c.emit(radio.Discovered{
		Peripheral: p,
		LocalName:  a.localName,
		RSSI:       a.rssi,
		Services:   a.services,
	})
}

// lookup returns the cached handle for id, creating it on first use.
func (c *Central) lookup(id radio.PeripheralID) *peripheral {
	p, _ := c.peripherals.GetOrInsert(id, newPeripheral(id))
	return p
}

func (c *Central) resolve(p radio.Peripheral) *peripheral {
	if own, ok := p.(*peripheral); ok {
		return own
	}
	per := c.lookup(p.ID())
	if name := p.Name(); name != "" {
		per.setName(name)
	}
	return per
}

// RetrievePeripherals returns handles for ids. go-ble dials by address, so
// every non-empty id is connectable without a prior scan.
func (c *Central) RetrievePeripherals(ids ...radio.PeripheralID) []radio.Peripheral {
	out := make([]radio.Peripheral, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		out = append(out, c.lookup(id))
	}
	return out
}

func (c *Central) Connect(p radio.Peripheral, opts *radio.ConnectOptions) error {
	c.mu.Lock()
	dial := c.dial
	c.mu.Unlock()
	if dial == nil {
		return radio.ErrBluetoothOff
	}

	per := c.resolve(p)
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if opts != nil && opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	attempt, err := per.beginDial(cancel)
	if err != nil {
		cancel()
		return err
	}

	log := c.logger.WithField("peripheral", per.id.String())
	log.Debug("Dialing BLE device...")

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		defer cancel()

		client, err := dial(ctx, ble.NewAddr(per.id.String()))
		if !per.finishDial(attempt, client, err) {
			if client != nil {
				log.Debug("Dial completed after cancellation, dropping link")
				_ = client.CancelConnection()
			}
			return
		}
		if err != nil {
			log.WithError(err).Debug("Dial failed")
			c.emit(radio.ConnectFailed{Peripheral: per, Err: radio.NormalizeError(err)})
			return
		}

		c.emit(radio.Connected{Peripheral: per})
		c.monitor(per, client)
	})
	return nil
}

// monitor reports a link loss the central did not initiate.
func (c *Central) monitor(per *peripheral, client gattClient) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(context.Background(), "goble-link-monitor", func(context.Context) {
		<-dc.Disconnected()
		if per.dropClient(client) {
			c.emit(radio.Disconnected{Peripheral: per, Err: radio.ErrNotConnected})
		}
	})
}

func (c *Central) CancelConnection(p radio.Peripheral) error {
	per := c.resolve(p)
	client := per.cancel()
	if client == nil {
		return nil
	}
	return radio.NormalizeError(client.CancelConnection())
}

func (c *Central) DiscoverServices(p radio.Peripheral, services []string) error {
	per := c.resolve(p)
	client := per.connected()
	if client == nil {
		return radio.ErrNotConnected
	}
	filter, err := parseUUIDs(services)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "goble-discover-services", func(context.Context) {
		svcs, err := client.DiscoverServices(filter)
		if err != nil {
			c.emit(radio.ServicesDiscovered{Peripheral: per, Err: radio.NormalizeError(err)})
			return
		}
		c.emit(radio.ServicesDiscovered{Peripheral: per, Services: per.storeServices(svcs)})
	})
	return nil
}

func (c *Central) DiscoverCharacteristics(p radio.Peripheral, service string, characteristics []string) error {
	per := c.resolve(p)
	client := per.connected()
	if client == nil {
		return radio.ErrNotConnected
	}
	svc, ok := per.service(service)
	if !ok {
		return &radio.NotFoundError{Resource: "service", IDs: []string{service}}
	}
	filter, err := parseUUIDs(characteristics)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "goble-discover-characteristics", func(context.Context) {
		chars, err := client.DiscoverCharacteristics(filter, svc)
		if err != nil {
			c.emit(radio.CharacteristicsDiscovered{Peripheral: per, Service: service, Err: radio.NormalizeError(err)})
			return
		}

		infos := make([]radio.CharacteristicInfo, 0, len(chars))
		for _, ch := range chars {
			info := characteristicInfo(ch)
			if info.Notify {
				// The CCCD must be known before Subscribe on HCI.
				if _, err := client.DiscoverDescriptors(nil, ch); err != nil {
					c.logger.WithField("characteristic", info.UUID).WithError(err).Debug("Descriptor discovery failed")
				}
			}
			per.storeCharacteristic(service, ch)
			infos = append(infos, info)
		}
		c.emit(radio.CharacteristicsDiscovered{Peripheral: per, Service: service, Characteristics: infos})
	})
	return nil
}

func (c *Central) SetNotify(p radio.Peripheral, service, characteristic string, enabled bool) error {
	per := c.resolve(p)
	client := per.connected()
	if client == nil {
		return radio.ErrNotConnected
	}
	ch, ok := per.characteristic(service, characteristic)
	if !ok {
		return &radio.NotFoundError{Resource: "characteristic", IDs: []string{service, characteristic}}
	}

	svcUUID, charUUID := radio.NormalizeUUID(service), radio.NormalizeUUID(characteristic)
	if !enabled {
		return radio.NormalizeError(client.Unsubscribe(ch, false))
	}

	groutine.Go(context.Background(), "goble-subscribe", func(context.Context) {
		err := client.Subscribe(ch, false, func(data []byte) {
			value := make([]byte, len(data))
			copy(value, data)
			c.emit(radio.ValueUpdated{Peripheral: per, Service: svcUUID, Characteristic: charUUID, Value: value})
		})
		if err != nil {
			c.emit(radio.ValueUpdated{
				Peripheral: per, Service: svcUUID, Characteristic: charUUID,
				Err: fmt.Errorf("failed to subscribe: %w", radio.NormalizeError(err)),
			})
		}
	})
	return nil
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		n := radio.NormalizeUUID(u)
		if n == "" {
			return nil, fmt.Errorf("invalid UUID %q", u)
		}
		parsed, err := ble.Parse(n)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func characteristicInfo(ch *ble.Characteristic) radio.CharacteristicInfo {
	return radio.CharacteristicInfo{
		UUID:   radio.NormalizeUUID(ch.UUID.String()),
		Notify: ch.Property&(ble.CharNotify|ble.CharIndicate) != 0,
	}
}
