package transport

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/btmidi/btmidid/internal/infrastructure/config"
)

// defaultReopenDelay is used when the config leaves ReopenDelay unset.
const defaultReopenDelay = time.Second

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

// portOpener opens a serial device. Tests substitute a fake.
type portOpener func(device string, mode *serial.Mode) (io.ReadWriteCloser, error)

func openSerialPort(device string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(device, mode)
}

// serialListener exposes a serial device as a listener.
//
// Accept opens the device and returns it as a connection. The next Accept
// blocks until that connection is closed, waits the reopen delay and opens
// the device again. Open failures are retried after the same delay until
// Close.
//
// Thread Safety:
//   - Accept is meant for one accept loop; Close may be called concurrently.
type serialListener struct {
	device string
	mode   *serial.Mode
	delay  time.Duration
	open   portOpener

	// free holds a token while no connection is outstanding.
	free chan struct{}
	done chan struct{}

	opened    bool
	closeOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

var _ Listener = (*serialListener)(nil)

// OpenSerial validates cfg and returns a listener over the serial device.
// The device itself is opened by Accept. logger may be nil.
func OpenSerial(cfg config.SerialConfig, logger Logger) (Listener, error) {
	l, err := newSerialListener(cfg, openSerialPort)
	if err != nil {
		return nil, err
	}
	l.SetLogger(logger)
	return l, nil
}

func newSerialListener(cfg config.SerialConfig, open portOpener) (*serialListener, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: serial device is empty", ErrInvalidAddress)
	}
	mode, err := SerialMode(cfg)
	if err != nil {
		return nil, err
	}

	delay := time.Duration(cfg.ReopenDelay) * time.Millisecond
	if delay <= 0 {
		delay = defaultReopenDelay
	}

	l := &serialListener{
		device: cfg.Device,
		mode:   mode,
		delay:  delay,
		open:   open,
		free:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.free <- struct{}{}
	return l, nil
}

// SerialMode converts line settings into a serial.Mode.
func SerialMode(cfg config.SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}

	switch strings.ToLower(cfg.Parity) {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrInvalidAddress, cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", ErrInvalidAddress, cfg.StopBits)
	}

	return mode, nil
}

// SetLogger sets a logger for open failures.
func (l *serialListener) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *serialListener) Accept() (Conn, error) {
	select {
	case <-l.free:
	case <-l.done:
		return nil, ErrListenerClosed
	}

	for {
		if l.opened {
			if !l.sleep() {
				l.free <- struct{}{}
				return nil, ErrListenerClosed
			}
		}
		l.opened = true

		port, err := l.open(l.device, l.mode)
		if err == nil {
			return &serialConn{
				ReadWriteCloser: port,
				device:          l.device,
				release:         func() { l.free <- struct{}{} },
			}, nil
		}
		l.logWarn("serial device unavailable, retrying",
			"device", l.device,
			"retry_in", l.delay,
			"error", fmt.Errorf("%w: %w", ErrDeviceUnavailable, err),
		)
	}
}

// sleep waits for the reopen delay and reports false if the listener closed.
func (l *serialListener) sleep() bool {
	timer := time.NewTimer(l.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.done:
		return false
	}
}

func (l *serialListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

func (l *serialListener) Kind() Kind { return KindSerial }

func (l *serialListener) Addr() string { return "serial://" + l.device }

func (l *serialListener) logWarn(msg string, keysAndValues ...any) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// serialConn is an open serial device. Closing it lets the listener reopen
// the device.
type serialConn struct {
	io.ReadWriteCloser
	device  string
	release func()

	closeOnce sync.Once
	closeErr  error
}

func (c *serialConn) Kind() Kind     { return KindSerial }
func (c *serialConn) Remote() string { return c.device }

func (c *serialConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ReadWriteCloser.Close()
		c.release()
	})
	return c.closeErr
}
