package sensor

import (
	"fmt"
	"strings"
	"time"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/internal/store"
	"github.com/srg/blecsc/internal/tracker"
)

// Role is one of the two independent sensor slots.
type Role int

const (
	RoleSpeed Role = iota
	RoleCadence
)

// Roles lists every role in a stable order.
func Roles() []Role {
	return []Role{RoleSpeed, RoleCadence}
}

func (r Role) String() string {
	switch r {
	case RoleSpeed:
		return "speed"
	case RoleCadence:
		return "cadence"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts "speed" or "cadence".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "speed":
		return RoleSpeed, nil
	case "cadence":
		return RoleCadence, nil
	default:
		return 0, fmt.Errorf("unknown role %q (expected speed or cadence)", s)
	}
}

// StoreKey is the settings key holding the role's last connected sensor.
func (r Role) StoreKey() string {
	if r == RoleCadence {
		return store.KeyCadenceSensor
	}
	return store.KeySpeedSensor
}

func (r Role) valid() bool {
	return r == RoleSpeed || r == RoleCadence
}

func (r Role) other() Role {
	if r == RoleSpeed {
		return RoleCadence
	}
	return RoleSpeed
}

// Phase is the connection state of a role.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// RoleState is the externally visible state of a role. Peripheral is the
// target while Connecting and the linked device while Connected.
type RoleState struct {
	Phase      Phase
	Peripheral radio.PeripheralID
}

func (s RoleState) String() string {
	if s.Phase == Disconnected {
		return s.Phase.String()
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.Peripheral)
}

// roleSlot holds everything the manager tracks for one role. Loop-owned.
type roleSlot struct {
	role       Role
	phase      Phase
	peripheral radio.Peripheral
	pending    *ConnectResult
	attempt    uint64
	timer      *time.Timer
	tracker    *tracker.Tracker
}

func newRoleSlot(role Role) *roleSlot {
	return &roleSlot{role: role, tracker: tracker.New(role.String())}
}

func (s *roleSlot) state() RoleState {
	if s.phase == Disconnected || s.peripheral == nil {
		return RoleState{Phase: Disconnected}
	}
	return RoleState{Phase: s.phase, Peripheral: s.peripheral.ID()}
}

// uses reports whether the slot is connecting or connected to id.
func (s *roleSlot) uses(id radio.PeripheralID) bool {
	return s.phase != Disconnected && s.peripheral != nil && s.peripheral.ID() == id
}

func (s *roleSlot) is(phase Phase, id radio.PeripheralID) bool {
	return s.phase == phase && s.peripheral != nil && s.peripheral.ID() == id
}

func (s *roleSlot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// reset moves the slot to Disconnected, resolving a pending result with err.
func (s *roleSlot) reset(err error) {
	s.stopTimer()
	if s.pending != nil {
		s.pending.resolve(err)
		s.pending = nil
	}
	s.phase = Disconnected
	s.peripheral = nil
	s.tracker.Clear()
}
