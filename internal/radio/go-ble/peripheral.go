package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"

	"github.com/srg/blecsc/internal/radio"
)

// peripheral is the go-ble handle for one remote device. The id is the
// platform address: a MAC on Linux, a CoreBluetooth UUID on macOS.
type peripheral struct {
	id radio.PeripheralID

	mu         sync.Mutex
	name       string
	attempt    uint64
	dialCancel context.CancelFunc
	client     gattClient
	services   map[string]*ble.Service
	chars      map[string]*ble.Characteristic
}

func newPeripheral(id radio.PeripheralID) *peripheral {
	return &peripheral{id: id}
}

func (p *peripheral) ID() radio.PeripheralID { return p.id }

func (p *peripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *peripheral) setName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

// beginDial registers a new dial attempt, superseding a pending one.
func (p *peripheral) beginDial(cancel context.CancelFunc) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return 0, radio.ErrAlreadyConnected
	}
	if p.dialCancel != nil {
		p.dialCancel()
	}
	p.attempt++
	p.dialCancel = cancel
	return p.attempt, nil
}

// finishDial records the outcome of attempt. It returns false when the
// attempt was cancelled or superseded meanwhile; the caller then owns client.
func (p *peripheral) finishDial(attempt uint64, client gattClient, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if attempt != p.attempt || p.dialCancel == nil {
		return false
	}
	p.dialCancel = nil
	if err == nil {
		p.client = client
		p.services = map[string]*ble.Service{}
		p.chars = map[string]*ble.Characteristic{}
	}
	return true
}

// cancel aborts a pending dial and detaches the live client, if any.
func (p *peripheral) cancel() gattClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dialCancel != nil {
		p.dialCancel()
		p.dialCancel = nil
		p.attempt++
	}
	client := p.client
	p.client = nil
	return client
}

// dropClient detaches client if it is still the live one.
func (p *peripheral) dropClient(client gattClient) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || p.client != client {
		return false
	}
	p.client = nil
	return true
}

func (p *peripheral) connected() gattClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *peripheral) storeServices(svcs []*ble.Service) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	uuids := make([]string, 0, len(svcs))
	for _, s := range svcs {
		u := radio.NormalizeUUID(s.UUID.String())
		if p.services != nil {
			p.services[u] = s
		}
		uuids = append(uuids, u)
	}
	return uuids
}

func (p *peripheral) service(uuid string) (*ble.Service, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.services[radio.NormalizeUUID(uuid)]
	return s, ok
}

func charKey(service, characteristic string) string {
	return radio.NormalizeUUID(service) + "/" + radio.NormalizeUUID(characteristic)
}

func (p *peripheral) storeCharacteristic(service string, ch *ble.Characteristic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chars != nil {
		p.chars[charKey(service, ch.UUID.String())] = ch
	}
}

func (p *peripheral) characteristic(service, characteristic string) (*ble.Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.chars[charKey(service, characteristic)]
	return ch, ok
}
