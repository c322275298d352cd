package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sync"
)

// Kind names the transport a connection arrived on.
type Kind string

// Transport kinds.
const (
	KindRadio   Kind = "radio"
	KindSerial  Kind = "serial"
	KindControl Kind = "control"
)

// Conn is an accepted duplex byte stream.
//
// Close must unblock a pending Read.
type Conn interface {
	io.ReadWriteCloser

	// Kind reports which transport produced the connection.
	Kind() Kind

	// Remote describes the peer (Bluetooth address, socket peer or device path).
	Remote() string
}

// Listener yields connections for one transport.
type Listener interface {
	// Accept blocks until a connection arrives or the listener is closed.
	Accept() (Conn, error)

	// Close stops the listener. Accepted connections stay open.
	Close() error

	// Kind reports the transport kind of accepted connections.
	Kind() Kind

	// Addr describes where the listener is bound.
	Addr() string
}

// streamConn adapts a net.Conn.
type streamConn struct {
	net.Conn
	kind Kind
}

func (c *streamConn) Kind() Kind { return c.kind }

func (c *streamConn) Remote() string {
	if addr := c.Conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// streamListener adapts a net.Listener.
type streamListener struct {
	ln   net.Listener
	kind Kind
	path string // unix socket path to unlink on Close

	closeOnce sync.Once
	closeErr  error
}

var _ Listener = (*streamListener)(nil)

// ListenStream listens on a tcp://host:port or unix:///path URL and labels
// accepted connections with kind. A stale unix socket file is removed first.
func ListenStream(rawURL string, kind Kind) (Listener, error) {
	network, address, err := parseListenURL(rawURL)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		if err := RemoveStaleSocket(address); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", rawURL, err)
	}

	l := &streamListener{ln: ln, kind: kind}
	if network == "unix" {
		l.path = address
	}
	return l, nil
}

func (l *streamListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("accepting on %s: %w", l.Addr(), err)
	}
	return &streamConn{Conn: c, kind: l.kind}, nil
}

func (l *streamListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if l.path != "" {
			os.Remove(l.path) //nolint:errcheck // net.UnixListener usually unlinks already
		}
	})
	return l.closeErr
}

func (l *streamListener) Kind() Kind { return l.kind }

func (l *streamListener) Addr() string {
	return l.ln.Addr().Network() + "://" + l.ln.Addr().String()
}

// parseListenURL parses a listen URL into network and address.
//
// Supported formats:
//   - unix:///path/to/socket
//   - tcp://host:port
func parseListenURL(rawURL string) (network, address string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("%w: %q has no socket path", ErrInvalidAddress, rawURL)
		}
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("%w: %q has no host:port", ErrInvalidAddress, rawURL)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use unix or tcp)", ErrInvalidAddress, u.Scheme)
	}
}

// RemoveStaleSocket deletes path if it is a leftover socket file.
// Anything else at path is an error.
func RemoveStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrInvalidAddress, path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}
