//go:build linux

package bluez

import (
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/srg/blecsc/internal/radio"
)

// conn is the part of bluetooth.Device a session drives.
type conn interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

// session tracks one peripheral from dial to teardown. adapter.Connect cannot
// be interrupted, so at most one call runs per peripheral: a cancel only marks
// it unwanted, and a dial started while it runs adopts it.
type session struct {
	mu       sync.Mutex
	wanted   bool
	inflight bool
	link     conn
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
}

// begin marks a dial as wanted. dial is false when an earlier adapter call is
// still running and will deliver the outcome.
func (s *session) begin() (dial bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return false, radio.ErrAlreadyConnected
	}
	s.wanted = true
	if s.inflight {
		return false, nil
	}
	s.inflight = true
	return true, nil
}

// finish records the adapter call outcome; false means nobody wants it anymore.
func (s *session) finish(link conn, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if !s.wanted {
		return false
	}
	s.wanted = false
	if err == nil {
		s.link = link
		s.services = map[string]bluetooth.DeviceService{}
		s.chars = map[string]bluetooth.DeviceCharacteristic{}
	}
	return true
}

// cancel forgets a pending dial and detaches the live link.
func (s *session) cancel() conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = false
	link := s.link
	s.link = nil
	return link
}

// lost detaches the live link after a remote disconnect.
func (s *session) lost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return false
	}
	s.link = nil
	return true
}

func (s *session) connected() conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *session) storeServices(svcs []bluetooth.DeviceService) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		u := fromUUID(svc.UUID())
		if s.services != nil {
			s.services[u] = svc
		}
		out = append(out, u)
	}
	return out
}

func (s *session) service(uuid string) (bluetooth.DeviceService, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[radio.NormalizeUUID(uuid)]
	return svc, ok
}

func (s *session) storeCharacteristic(service string, ch bluetooth.DeviceCharacteristic) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := fromUUID(ch.UUID())
	if s.chars != nil {
		s.chars[radio.NormalizeUUID(service)+"/"+u] = ch
	}
	return u
}

func (s *session) characteristic(service, char string) (bluetooth.DeviceCharacteristic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chars[radio.NormalizeUUID(service)+"/"+radio.NormalizeUUID(char)]
	return ch, ok
}
