// Package csc decodes the Bluetooth SIG "CSC Measurement" characteristic
// (0x2A5B) and turns consecutive revolution samples into speed and cadence.
//
// Payload layout:
//
//	byte 0      flags (bit 0: wheel data present, bit 1: crank data present)
//	wheel data  uint32 LE cumulative wheel revolutions, uint16 LE last wheel event time
//	crank data  uint16 LE cumulative crank revolutions, uint16 LE last crank event time
//
// Event times count 1/1024 s ticks and wrap at 65536. Crank data follows wheel
// data when both are present.
package csc

import (
	"encoding/binary"
	"fmt"
)

const (
	FlagWheelData byte = 1 << 0
	FlagCrankData byte = 1 << 1
)

const (
	// TicksPerSecond is the resolution of CSC event time fields.
	TicksPerSecond = 1024

	wheelDataLen = 6
	crankDataLen = 4
	timerModulus = 1 << 16
)

// RevolutionSample is one (cumulative revolutions, event time) pair.
// Crank samples only use the low 16 bits of Revolutions.
type RevolutionSample struct {
	Revolutions uint32
	EventTime   uint16
}

// Outcome is the result of decoding one notification for one quantity.
// OK is false for "no update".
type Outcome struct {
	Value float64
	OK    bool
}

// NoUpdate is the outcome for samples that cannot yield a rate.
var NoUpdate = Outcome{}

// MalformedPayloadError is the panic value raised when a parser is called on a
// payload that does not carry the requested data. Callers are expected to
// check HasWheel / HasCrank first, so this signals a programming error.
type MalformedPayloadError struct {
	Field  string
	Flags  byte
	Length int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("csc: malformed payload: %s data requested (flags=0b%08b, length=%d)", e.Field, e.Flags, e.Length)
}

// HasWheel reports whether the payload flags announce wheel revolution data.
func HasWheel(payload []byte) bool {
	return len(payload) > 0 && payload[0]&FlagWheelData != 0
}

// HasCrank reports whether the payload flags announce crank revolution data.
func HasCrank(payload []byte) bool {
	return len(payload) > 0 && payload[0]&FlagCrankData != 0
}

// Complete reports whether the payload is long enough for every field its flags announce.
func Complete(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	return len(payload) >= crankOffset(payload)+crankLen(payload)
}

func crankOffset(payload []byte) int {
	if HasWheel(payload) {
		return 1 + wheelDataLen
	}
	return 1
}

func crankLen(payload []byte) int {
	if HasCrank(payload) {
		return crankDataLen
	}
	return 0
}

// ParseWheel extracts the wheel sample. Panics with *MalformedPayloadError if
// the wheel flag is clear or the payload is truncated.
func ParseWheel(payload []byte) RevolutionSample {
	if !HasWheel(payload) || len(payload) < 1+wheelDataLen {
		panic(malformed("wheel", payload))
	}
	return RevolutionSample{
		Revolutions: binary.LittleEndian.Uint32(payload[1:5]),
		EventTime:   binary.LittleEndian.Uint16(payload[5:7]),
	}
}

// ParseCrank extracts the crank sample. Panics with *MalformedPayloadError if
// the crank flag is clear or the payload is truncated.
func ParseCrank(payload []byte) RevolutionSample {
	off := crankOffset(payload)
	if !HasCrank(payload) || len(payload) < off+crankDataLen {
		panic(malformed("crank", payload))
	}
	return RevolutionSample{
		Revolutions: uint32(binary.LittleEndian.Uint16(payload[off : off+2])),
		EventTime:   binary.LittleEndian.Uint16(payload[off+2 : off+4]),
	}
}

func malformed(field string, payload []byte) *MalformedPayloadError {
	e := &MalformedPayloadError{Field: field, Length: len(payload)}
	if len(payload) > 0 {
		e.Flags = payload[0]
	}
	return e
}

// ElapsedTicks returns the ticks between two event times, accounting for one
// 16-bit timer rollover.
func ElapsedTicks(prev, cur uint16) uint32 {
	if prev > cur {
		return uint32(cur) + timerModulus - uint32(prev)
	}
	return uint32(cur - prev)
}

// WheelRevolutions returns cur-prev modulo 2^32.
func WheelRevolutions(prev, cur uint32) uint32 {
	return cur - prev
}

// CrankRevolutions returns cur-prev modulo 2^16.
func CrankRevolutions(prev, cur uint16) uint16 {
	return cur - prev
}

// RevolutionsPerSecond converts a revolution delta over a tick duration. ticks must be > 0.
func RevolutionsPerSecond(revolutions uint32, ticks uint32) float64 {
	return float64(revolutions) / (float64(ticks) / TicksPerSecond)
}

// SpeedKmh converts wheel revolutions per second into km/h.
func SpeedKmh(revolutionsPerSecond float64, circumferenceMM int) float64 {
	return revolutionsPerSecond * float64(circumferenceMM) * 3600 / 1_000_000
}

// CadenceRPM converts crank revolutions per second into revolutions per minute.
func CadenceRPM(revolutionsPerSecond float64) float64 {
	return revolutionsPerSecond * 60
}

// DecodeSpeed decodes the wheel sample of payload against prev. The returned
// sample must be stored by the caller as the next prev, whatever the outcome.
func DecodeSpeed(payload []byte, prev *RevolutionSample, circumferenceMM int) (Outcome, RevolutionSample) {
	cur := ParseWheel(payload)
	if prev == nil {
		return NoUpdate, cur
	}
	ticks := ElapsedTicks(prev.EventTime, cur.EventTime)
	if ticks == 0 {
		return NoUpdate, cur
	}
	rps := RevolutionsPerSecond(WheelRevolutions(prev.Revolutions, cur.Revolutions), ticks)
	return Outcome{Value: SpeedKmh(rps, circumferenceMM), OK: true}, cur
}

// DecodeCadence decodes the crank sample of payload against prev. The returned
// sample must be stored by the caller as the next prev, whatever the outcome.
func DecodeCadence(payload []byte, prev *RevolutionSample) (Outcome, RevolutionSample) {
	cur := ParseCrank(payload)
	if prev == nil {
		return NoUpdate, cur
	}
	ticks := ElapsedTicks(prev.EventTime, cur.EventTime)
	if ticks == 0 {
		return NoUpdate, cur
	}
	revs := CrankRevolutions(uint16(prev.Revolutions), uint16(cur.Revolutions))
	rps := RevolutionsPerSecond(uint32(revs), ticks)
	return Outcome{Value: CadenceRPM(rps), OK: true}, cur
}
