package sensor

import (
	"github.com/srg/blecsc/internal/ringchan"
)

// Snapshot is the published state of the manager.
type Snapshot struct {
	BluetoothEnabled bool
	Scanning         bool
	Sensors          []Sensor
	Speed            RoleState
	Cadence          RoleState
	// SpeedKmh and CadenceRPM are nil until the first measurement of the current connection.
	SpeedKmh   *float64
	CadenceRPM *float64
}

// Role returns the state of role.
func (s Snapshot) Role(role Role) RoleState {
	if role == RoleCadence {
		return s.Cadence
	}
	return s.Speed
}

// Value returns the measurement of role.
func (s Snapshot) Value(role Role) *float64 {
	if role == RoleCadence {
		return s.CadenceRPM
	}
	return s.SpeedKmh
}

// Subscription delivers a Snapshot on every state change. A slow reader only
// loses intermediate snapshots, never the latest one.
type Subscription struct {
	ch      *ringchan.RingChannel[Snapshot]
	release func(*Subscription)
}

func newSubscription(capacity int, release func(*Subscription)) *Subscription {
	return &Subscription{ch: ringchan.New[Snapshot](capacity), release: release}
}

// C delivers snapshots. It is closed by Close or when the manager closes.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch.C()
}

// Dropped returns how many snapshots were overwritten before being read.
func (s *Subscription) Dropped() int64 {
	return s.ch.GetMetrics().Overwritten
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.ch.Close()
	if s.release != nil {
		s.release(s)
	}
}

func (s *Subscription) send(snap Snapshot) bool {
	return s.ch.Send(snap)
}
