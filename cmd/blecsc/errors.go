package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/sensor"
)

// Command-level errors
var (
	// ErrSensorNotSeen indicates pair gave up before the sensor advertised.
	ErrSensorNotSeen = errors.New("sensor not seen")
)

// FormatUserError turns known errors into a one-line message for the terminal.
func FormatUserError(err error) string {
	var notFound *sensor.SensorNotFoundError
	var failed *sensor.ConnectionFailedError

	switch {
	case errors.Is(err, radio.ErrBluetoothOff):
		return "Bluetooth is off or unavailable; turn it on and try again"
	case errors.Is(err, radio.ErrUnsupported):
		return fmt.Sprintf("not supported on this system: %v", err)
	case errors.Is(err, ErrSensorNotSeen):
		return fmt.Sprintf("%v; make sure the sensor is awake (spin the wheel or crank) and in range", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("sensor %s was not found; run 'blecsc scan' to list nearby sensors", notFound.ID)
	case errors.Is(err, radio.ErrTimeout):
		return fmt.Sprintf("timed out: %v", err)
	case errors.As(err, &failed):
		if failed.Cause != nil {
			return fmt.Sprintf("could not connect %s sensor %s: %v", failed.Role, failed.ID, failed.Cause)
		}
		return fmt.Sprintf("could not connect %s sensor %s", failed.Role, failed.ID)
	default:
		return err.Error()
	}
}
