package event

import "errors"

// Domain errors for the event package.
var (
	// ErrMalformedFrame is returned when a frame payload is too short or
	// holds characters that are not hex digits.
	ErrMalformedFrame = errors.New("event: malformed frame")

	// ErrUnrecognizedCommand is returned when no command template matches a
	// control line. Callers ignore the line and keep the connection.
	ErrUnrecognizedCommand = errors.New("event: unrecognized command")

	// ErrInvalidTemplate is returned when a command template is misconfigured.
	ErrInvalidTemplate = errors.New("event: invalid command template")
)
