//go:build !linux

package transport

import "fmt"

// ListenRFCOMM is only available on Linux.
func ListenRFCOMM(channel, _ int) (Listener, error) {
	return nil, fmt.Errorf("%w: rfcomm channel %d", ErrUnsupported, channel)
}
