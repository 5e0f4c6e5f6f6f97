package sensor

import (
	"errors"
	"fmt"

	"github.com/srg/blecsc/internal/radio"
)

var (
	ErrSensorNotFound   = errors.New("sensor not found")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSuperseded       = errors.New("connection attempt superseded")
	ErrManagerClosed    = errors.New("sensor manager closed")
	ErrNotStarted       = errors.New("sensor manager not started")
)

// SensorNotFoundError is returned by Connect for an id absent from the current discovery set.
type SensorNotFoundError struct {
	ID radio.PeripheralID
}

func (e *SensorNotFoundError) Error() string {
	return fmt.Sprintf("sensor %q not found among discovered sensors", string(e.ID))
}

func (e *SensorNotFoundError) Is(target error) bool {
	return target == ErrSensorNotFound
}

// ConnectionFailedError reports a connection attempt that ended without a link:
// adapter failure, timeout, supersede, explicit disconnect or power loss.
type ConnectionFailedError struct {
	Role  Role
	ID    radio.PeripheralID
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s sensor %q: connection failed", e.Role, string(e.ID))
	}
	return fmt.Sprintf("%s sensor %q: connection failed: %v", e.Role, string(e.ID), e.Cause)
}

func (e *ConnectionFailedError) Is(target error) bool {
	return target == ErrConnectionFailed
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Cause
}

func connectionFailed(role Role, id radio.PeripheralID, cause error) error {
	return &ConnectionFailedError{Role: role, ID: id, Cause: cause}
}
