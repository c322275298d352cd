package sink

import "errors"

// Domain errors shared by sink implementations.
var (
	// ErrNoDriver is returned when no output driver is available.
	ErrNoDriver = errors.New("sink: no output driver")

	// ErrPortUnavailable is returned when a configured output port cannot be
	// found or opened.
	ErrPortUnavailable = errors.New("sink: output port unavailable")

	// ErrNotBound is returned by Emit before Bind succeeded.
	ErrNotBound = errors.New("sink: session not bound")

	// ErrClosed is returned when using a closed sink or session.
	ErrClosed = errors.New("sink: closed")

	// ErrUnsupportedEvent is returned for an event a sink cannot render.
	ErrUnsupportedEvent = errors.New("sink: unsupported event")
)
