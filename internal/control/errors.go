package control

import "errors"

// Domain errors for the control package.
var (
	// ErrClosed is returned by Inject and Run once the multiplexer stopped.
	ErrClosed = errors.New("control: multiplexer closed")

	// ErrInvalidOptions is returned by Listen for missing dependencies.
	ErrInvalidOptions = errors.New("control: invalid options")

	// ErrUnsupported is returned on platforms without the poll backend.
	ErrUnsupported = errors.New("control: not supported on this platform")

	// ErrLineTooLong is logged when a client sends more than maxLineBytes
	// without a line break; the buffered bytes are decoded as one line.
	ErrLineTooLong = errors.New("control: line too long")
)
