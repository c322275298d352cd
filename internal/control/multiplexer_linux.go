//go:build linux

package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/btmidi/btmidid/internal/transport"
)

// readChunk is the size of one read from a control client.
const readChunk = 1024

// Multiplexer serves the control socket from a single poll loop.
//
// Thread Safety:
//   - Run must be called once. Inject, Clients and Addr are safe from any
//     goroutine.
type Multiplexer struct {
	opts Options
	h    handler

	listenFd int
	wakeR    int
	wakeW    int

	clients map[int]*lineBuffer
	nconns  atomic.Int32

	queue   injectQueue
	runOnce sync.Once
	wakeMu  sync.Mutex
	stopped bool
}

// Listen creates the non-blocking control socket and the wake pipe.
func Listen(opts Options) (*Multiplexer, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	if err := transport.RemoveStaleSocket(opts.SocketPath); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating control socket: %w", err)
	}
	fail := func(step string, err error) (*Multiplexer, error) {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("%s %s: %w", step, opts.SocketPath, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setting SO_REUSEADDR on", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: opts.SocketPath}); err != nil {
		return fail("binding", err)
	}
	if err := os.Chmod(opts.SocketPath, opts.Mode); err != nil {
		os.Remove(opts.SocketPath) //nolint:errcheck // already failing
		return fail("setting mode on", err)
	}
	if err := unix.Listen(fd, opts.Backlog); err != nil {
		os.Remove(opts.SocketPath) //nolint:errcheck // already failing
		return fail("listening on", err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		os.Remove(opts.SocketPath) //nolint:errcheck // already failing
		return fail("creating wake pipe for", err)
	}

	return &Multiplexer{
		opts:     opts,
		h:        handler{opts: opts},
		listenFd: fd,
		wakeR:    pipe[0],
		wakeW:    pipe[1],
		clients:  make(map[int]*lineBuffer),
	}, nil
}

// Addr returns the socket path.
func (m *Multiplexer) Addr() string {
	return m.opts.SocketPath
}

// Clients returns the number of connected control clients.
func (m *Multiplexer) Clients() int {
	return int(m.nconns.Load())
}

// Inject queues a command line and wakes the poll loop.
func (m *Multiplexer) Inject(line string) error {
	if err := m.queue.push(line); err != nil {
		return err
	}
	m.wake()
	return nil
}

func (m *Multiplexer) wake() {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.stopped {
		return
	}
	// A full pipe already guarantees a wake-up.
	unix.Write(m.wakeW, []byte{1}) //nolint:errcheck // EAGAIN is fine
}

// Run serves the control socket until ctx is cancelled. On return every
// client, the listener and the wake pipe are closed and the socket file is
// removed.
//
// Returns:
//   - error: nil after cancellation, ErrClosed on a second call, or the
//     poll failure that stopped the loop
func (m *Multiplexer) Run(ctx context.Context) error {
	err := ErrClosed
	m.runOnce.Do(func() {
		err = m.run(ctx)
	})
	return err
}

func (m *Multiplexer) run(ctx context.Context) error {
	m.h.openSession(ctx)
	stop := context.AfterFunc(ctx, m.wake)
	defer stop()
	defer m.shutdown()

	m.h.logInfo("control socket listening", "path", m.opts.SocketPath, "mode", fmt.Sprintf("%#o", m.opts.Mode))

	for {
		if ctx.Err() != nil {
			return nil
		}

		fds := m.pollSet()
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("polling control descriptors: %w", err)
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			switch int(pfd.Fd) {
			case m.listenFd:
				m.acceptAll()
			case m.wakeR:
				m.drainWake()
				for _, line := range m.queue.drain() {
					m.h.handleLine(SourceInject, line)
				}
			default:
				m.serviceClient(int(pfd.Fd))
			}
		}
	}
}

// pollSet rebuilds the descriptor set from the listener, the wake pipe and
// the current clients.
func (m *Multiplexer) pollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, 2+len(m.clients))
	fds = append(fds,
		unix.PollFd{Fd: int32(m.listenFd), Events: unix.POLLIN}, // #nosec G115 -- fds fit in int32
		unix.PollFd{Fd: int32(m.wakeR), Events: unix.POLLIN},    // #nosec G115 -- fds fit in int32
	)
	for fd := range m.clients {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}) // #nosec G115 -- fds fit in int32
	}
	return fds
}

// acceptAll accepts pending clients until the queue is empty.
func (m *Multiplexer) acceptAll() {
	for {
		nfd, _, err := unix.Accept4(m.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			m.clients[nfd] = &lineBuffer{}
			m.nconns.Add(1)
			m.h.logInfo("control client connected", "fd", nfd, "clients", len(m.clients))
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			m.h.logWarn("accepting control client failed", "error", err)
			return
		}
	}
}

// serviceClient drains a readable client. EOF and read errors close it.
func (m *Multiplexer) serviceClient(fd int) {
	buf, ok := m.clients[fd]
	if !ok {
		return
	}

	chunk := make([]byte, readChunk)
	for {
		n, err := unix.Read(fd, chunk)
		switch {
		case n > 0:
			m.applyLines(buf.feed(chunk[:n]))
			continue
		case err == nil:
			// EOF: a final line may lack its terminator.
			m.h.handleLine(SourceSocket, buf.flush())
			m.dropClient(fd, nil)
			return
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			m.dropClient(fd, err)
			return
		}
	}
}

func (m *Multiplexer) applyLines(lines []string, err error) {
	if err != nil {
		m.h.logWarn("control line truncated", "error", err, "limit", maxLineBytes)
	}
	for _, line := range lines {
		m.h.handleLine(SourceSocket, line)
	}
}

func (m *Multiplexer) dropClient(fd int, err error) {
	delete(m.clients, fd)
	m.nconns.Add(-1)
	unix.Close(fd) //nolint:errcheck // client is gone
	if err != nil {
		m.h.logWarn("control client read failed", "fd", fd, "error", err)
		return
	}
	m.h.logInfo("control client disconnected", "fd", fd, "clients", len(m.clients))
}

func (m *Multiplexer) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(m.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// shutdown closes every tracked descriptor and unlinks the socket path.
func (m *Multiplexer) shutdown() {
	m.queue.close()

	for fd := range m.clients {
		unix.Close(fd) //nolint:errcheck // shutting down
		delete(m.clients, fd)
	}
	m.nconns.Store(0)

	unix.Close(m.listenFd) //nolint:errcheck // shutting down
	if err := os.Remove(m.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.h.logWarn("removing control socket failed", "path", m.opts.SocketPath, "error", err)
	}

	m.wakeMu.Lock()
	m.stopped = true
	unix.Close(m.wakeR) //nolint:errcheck // shutting down
	unix.Close(m.wakeW) //nolint:errcheck // shutting down
	m.wakeMu.Unlock()

	m.h.closeSession()
	m.h.logInfo("control socket closed", "path", m.opts.SocketPath)
}
