package control

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/infrastructure/metrics"
	"github.com/btmidi/btmidid/internal/params"
	"github.com/btmidi/btmidid/internal/sink"
)

// Defaults for Options.
const (
	DefaultSocketPath = "/tmp/.midi-unix"
	DefaultMode       = os.FileMode(0o770)
	DefaultBacklog    = 8

	// maxLineBytes bounds the bytes buffered per client without a line break.
	maxLineBytes = 1024

	// sessionOwner names the control plane's sink session.
	sessionOwner = "control"
)

// Command sources recorded in metrics and logs.
const (
	SourceSocket = "socket"
	SourceInject = "mqtt"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Multiplexer.
type Options struct {
	// SocketPath is the listening socket. Default: /tmp/.midi-unix
	SocketPath string

	// Mode is applied to the socket file. Default: 0770
	Mode os.FileMode

	// Backlog is the listen queue length. Default: 8
	Backlog int

	// Params receives parameter changes. Required.
	Params *params.Record

	// Commands decodes lines. Default: event.DefaultCommands()
	Commands *event.CommandTable

	// Sink receives program changes. Optional; without it program changes
	// are decoded and dropped.
	Sink sink.Sink

	Metrics *metrics.Metrics
	Logger  Logger
}

func (o *Options) applyDefaults() error {
	if o.Params == nil {
		return fmt.Errorf("%w: params record is required", ErrInvalidOptions)
	}
	if o.SocketPath == "" {
		o.SocketPath = DefaultSocketPath
	}
	if o.Mode == 0 {
		o.Mode = DefaultMode
	}
	if o.Backlog < 1 {
		o.Backlog = DefaultBacklog
	}
	if o.Commands == nil {
		o.Commands = event.DefaultCommands()
	}
	return nil
}

// handler applies decoded command lines. It is shared by the poll loop and
// its tests; only the loop goroutine calls it.
type handler struct {
	opts    Options
	session sink.Session
}

// openSession opens and binds the control plane's sink session. A failure
// is logged and program changes are dropped from then on.
func (h *handler) openSession(ctx context.Context) {
	if h.opts.Sink == nil {
		return
	}
	sess, err := h.opts.Sink.Open(ctx, sessionOwner)
	if err != nil {
		h.logError("opening control sink session failed", err)
		return
	}
	if err := sess.Bind(); err != nil {
		sess.Close() //nolint:errcheck // unusable session
		h.logError("binding control sink session failed", err)
		return
	}
	h.session = sess
}

func (h *handler) closeSession() {
	if h.session != nil {
		h.session.Close() //nolint:errcheck // shutting down
		h.session = nil
	}
}

// handleLine decodes and applies one command line.
func (h *handler) handleLine(source, line string) {
	line = strings.Trim(line, " \t\r\n\x00")
	if line == "" {
		return
	}

	ev, err := h.opts.Commands.Decode(line)
	if err != nil {
		h.opts.Metrics.ControlCommand(source, false)
		h.logWarn("unrecognized control line", "source", source, "line", line, "error", err)
		return
	}
	h.opts.Metrics.ControlCommand(source, true)

	switch e := ev.(type) {
	case event.ParameterSetEvent:
		if err := h.opts.Params.Apply(e); err != nil {
			h.logWarn("rejected parameter change", "source", source, "name", e.Name, "value", e.Value, "error", err)
			return
		}
		if e.Name == event.ParamVolume {
			h.opts.Metrics.SetVolume(e.Value)
		}
		h.logInfo("parameter set", "source", source, "name", e.Name, "value", e.Value)
	case event.ProgramChangeEvent:
		if h.session == nil {
			h.logWarn("program change dropped, no sink session", "source", source, "channel", e.Channel, "program", e.Program)
			return
		}
		if err := h.session.Emit(e); err != nil {
			h.opts.Metrics.SinkError(string(e.Kind()))
			h.logError("program change failed", err, "channel", e.Channel, "program", e.Program)
			return
		}
		h.opts.Metrics.EventEmitted(string(e.Kind()))
		h.logInfo("program changed", "source", source, "channel", e.Channel, "program", e.Program)
	default:
		h.logWarn("unexpected control event", "source", source, "kind", ev.Kind())
	}
}

func (h *handler) logInfo(msg string, keysAndValues ...any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (h *handler) logWarn(msg string, keysAndValues ...any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (h *handler) logError(msg string, err error, keysAndValues ...any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// lineBuffer splits a client's byte stream into command lines. Both
// newline and NUL end a line.
type lineBuffer struct {
	pending []byte
}

// feed appends data and returns every complete line. When more than
// maxLineBytes accumulate without a break, they are returned as one line
// together with ErrLineTooLong.
func (b *lineBuffer) feed(data []byte) ([]string, error) {
	b.pending = append(b.pending, data...)

	var lines []string
	for {
		i := bytes.IndexAny(b.pending, "\n\x00")
		if i < 0 {
			break
		}
		lines = append(lines, string(b.pending[:i]))
		b.pending = b.pending[i+1:]
	}

	var err error
	if len(b.pending) > maxLineBytes {
		lines = append(lines, string(b.pending))
		b.pending = nil
		err = ErrLineTooLong
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines, err
}

// flush returns any unterminated remainder, for use at EOF.
func (b *lineBuffer) flush() string {
	s := string(b.pending)
	b.pending = nil
	return s
}

// injectQueue holds lines submitted through Inject.
type injectQueue struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (q *injectQueue) push(line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.lines = append(q.lines, line)
	return nil
}

func (q *injectQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	lines := q.lines
	q.lines = nil
	return lines
}

func (q *injectQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
