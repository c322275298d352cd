package frame

import "errors"

// Domain errors for the frame package.
var (
	// ErrDesync is returned when the buffer filled up without a terminator.
	// The buffer has already been reset when this is returned.
	ErrDesync = errors.New("frame: buffer full without terminator")

	// ErrInvalidFill is returned when the fill count is outside the buffer.
	ErrInvalidFill = errors.New("frame: fill count out of range")

	// ErrInvalidSpec is returned for a zero-width frame specification.
	ErrInvalidSpec = errors.New("frame: invalid frame spec")

	// ErrUnknownTerminator is returned by ParseTerminator for unknown names.
	ErrUnknownTerminator = errors.New("frame: unknown terminator")
)
