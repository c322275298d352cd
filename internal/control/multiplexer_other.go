//go:build !linux

package control

import "context"

// Multiplexer is unavailable on this platform.
type Multiplexer struct{}

// Listen reports ErrUnsupported.
func Listen(opts Options) (*Multiplexer, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

// Addr returns an empty string.
func (m *Multiplexer) Addr() string { return "" }

// Clients returns zero.
func (m *Multiplexer) Clients() int { return 0 }

// Inject reports ErrUnsupported.
func (m *Multiplexer) Inject(string) error { return ErrUnsupported }

// Run reports ErrUnsupported.
func (m *Multiplexer) Run(context.Context) error { return ErrUnsupported }
