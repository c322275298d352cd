//go:build linux

package transport

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Valid RFCOMM channels.
const (
	minRFCOMMChannel = 1
	maxRFCOMMChannel = 30
)

// rfcommListener accepts RFCOMM stream connections on a bound channel.
//
// The listening socket is non-blocking and registered with the runtime
// poller, so Close unblocks a pending Accept.
type rfcommListener struct {
	file    *os.File
	channel int

	closeOnce sync.Once
	closeErr  error
}

var _ Listener = (*rfcommListener)(nil)

// ListenRFCOMM binds an RFCOMM stream socket to BDADDR_ANY on channel and
// listens with the given backlog.
func ListenRFCOMM(channel, backlog int) (Listener, error) {
	if channel < minRFCOMMChannel || channel > maxRFCOMMChannel {
		return nil, fmt.Errorf("%w: rfcomm channel %d (must be %d-%d)",
			ErrInvalidAddress, channel, minRFCOMMChannel, maxRFCOMMChannel)
	}
	if backlog < 1 {
		backlog = 1
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("creating rfcomm socket: %w", err)
	}

	// BDADDR_ANY is the zero address.
	sa := &unix.SockaddrRFCOMM{Channel: uint8(channel)} // #nosec G115 -- range checked above
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("binding rfcomm channel %d: %w", channel, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("listening on rfcomm channel %d: %w", channel, err)
	}

	return &rfcommListener{
		file:    os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%d", channel)),
		channel: channel,
	}, nil
}

func (l *rfcommListener) Accept() (Conn, error) {
	rc, err := l.file.SyscallConn()
	if err != nil {
		return nil, ErrListenerClosed
	}

	var (
		nfd       int
		sa        unix.Sockaddr
		acceptErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		for {
			nfd, sa, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if acceptErr != unix.EINTR {
				break
			}
		}
		// Returning false parks the goroutine until the socket is readable.
		return acceptErr != unix.EAGAIN
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("accepting rfcomm connection: %w", err)
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("accepting rfcomm connection: %w", acceptErr)
	}

	remote := "unknown"
	if rsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
		remote = formatBDAddr(rsa.Addr)
	}
	return &fileConn{
		File:   os.NewFile(uintptr(nfd), "rfcomm:"+remote),
		kind:   KindRadio,
		remote: remote,
	}, nil
}

func (l *rfcommListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.file.Close()
	})
	return l.closeErr
}

func (l *rfcommListener) Kind() Kind { return KindRadio }

func (l *rfcommListener) Addr() string {
	return fmt.Sprintf("rfcomm://00:00:00:00:00:00/%d", l.channel)
}

// fileConn is a connection over a pollable descriptor.
type fileConn struct {
	*os.File
	kind   Kind
	remote string
}

func (c *fileConn) Kind() Kind     { return c.kind }
func (c *fileConn) Remote() string { return c.remote }

// formatBDAddr renders a Bluetooth address. The kernel stores it
// little-endian, so the bytes are printed in reverse.
func formatBDAddr(addr [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}
