package process

import (
	"errors"
	"os"
	"os/exec"
)

// Sentinel errors for the process package.
var (
	ErrAlreadyRunning = errors.New("process: already running")
	ErrInvalidConfig  = errors.New("process: invalid config")
)

// RecoverableError is implemented by errors that know whether a restart
// could succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a restart may fix err. Errors that do not
// implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// startError wraps a failure to launch the helper binary.
type startError struct {
	err error
}

func (e *startError) Error() string { return e.err.Error() }
func (e *startError) Unwrap() error { return e.err }

// IsRecoverable is false when the binary is missing or not executable.
func (e *startError) IsRecoverable() bool {
	return !errors.Is(e.err, exec.ErrNotFound) &&
		!errors.Is(e.err, os.ErrNotExist) &&
		!errors.Is(e.err, os.ErrPermission)
}
