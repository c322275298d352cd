package dispatch

import "errors"

// Domain errors for the dispatch package.
var (
	// ErrAdmissionRejected is reported when every slot is occupied.
	ErrAdmissionRejected = errors.New("dispatch: all slots occupied")

	// ErrInvalidOptions is returned by New for missing dependencies.
	ErrInvalidOptions = errors.New("dispatch: invalid options")

	// ErrShuttingDown is returned by Serve after Shutdown started.
	ErrShuttingDown = errors.New("dispatch: shutting down")
)
