package device

import "errors"

// Domain errors for the device package. Check with errors.Is.
var (
	// ErrDeviceNotFound is returned when no device has the requested ID.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidSerial is returned when a serial is empty or only whitespace.
	ErrInvalidSerial = errors.New("device: serial is required")

	// ErrSerialConflict is returned when another device already uses the serial.
	ErrSerialConflict = errors.New("device: serial already in use")

	// ErrTransport wraps failures of the messaging backend.
	ErrTransport = errors.New("device: messaging transport failed")
)
