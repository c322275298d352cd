package transport

import "errors"

// Domain errors for transport operations.
var (
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")

	// ErrInvalidAddress is returned for an unusable listen URL or channel.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrUnsupported is returned when a transport is not available on this platform.
	ErrUnsupported = errors.New("transport: not supported on this platform")

	// ErrDeviceUnavailable wraps failures to open a serial device.
	ErrDeviceUnavailable = errors.New("transport: device unavailable")
)
