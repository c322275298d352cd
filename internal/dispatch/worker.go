package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/frame"
	"github.com/btmidi/btmidid/internal/infrastructure/metrics"
	"github.com/btmidi/btmidid/internal/sink"
	"github.com/btmidi/btmidid/internal/transport"
)

// State is a worker lifecycle state.
type State int

// Worker states, in order.
const (
	StateInit State = iota
	StatePortsBound
	StateStreaming
	StateClosing
	StateDone
)

var stateNames = [...]string{"init", "ports_bound", "streaming", "closing", "done"}

// String returns the state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state name for JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// worker owns one admitted connection.
type worker struct {
	d     *Dispatcher
	conn  transport.Conn
	id    string
	slot  int
	spec  frame.Spec
	since time.Time

	mu    sync.Mutex
	state State

	closeOnce sync.Once

	// volumeGen is the parameter generation last sent to the session.
	volumeGen uint64
}

func newWorker(d *Dispatcher, conn transport.Conn, id string, slot int, spec frame.Spec) *worker {
	return &worker{
		d:     d,
		conn:  conn,
		id:    id,
		slot:  slot,
		spec:  spec,
		since: time.Now(),
	}
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) info() ConnInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ConnInfo{
		ID:        w.id,
		Transport: w.conn.Kind(),
		Remote:    w.conn.Remote(),
		Slot:      w.slot,
		Since:     w.since,
		State:     w.state,
	}
}

func (w *worker) closeConn() {
	w.closeOnce.Do(func() {
		w.conn.Close() //nolint:errcheck // peer may already be gone
	})
}

// run drives the worker through its states. It never panics.
func (w *worker) run(ctx context.Context) {
	var session sink.Session

	defer func() {
		if r := recover(); r != nil {
			w.d.logError("worker panic recovered", fmt.Errorf("panic: %v", r), "conn", w.id)
		}
		w.close(session)
	}()

	w.setState(StateInit)
	var err error
	session, err = w.d.opts.Sink.Open(ctx, w.id)
	if err != nil {
		w.d.logError("opening sink session failed", err, "conn", w.id)
		return
	}

	if err := session.Bind(); err != nil {
		w.d.logError("binding output ports failed", err, "conn", w.id)
		return
	}
	w.setState(StatePortsBound)

	w.setState(StateStreaming)
	w.stream(ctx, session)
}

// stream reads frames until the context ends or the connection fails.
// Cancellation is observed when a read returns, before its bytes are framed.
func (w *worker) stream(ctx context.Context, session sink.Session) {
	r := frame.NewReassembler(w.spec)
	kind := string(w.conn.Kind())

	for ctx.Err() == nil {
		n, readErr := w.conn.Read(r.Window())
		if ctx.Err() != nil {
			// Cancelled while blocked: bytes from this read are discarded.
			w.d.logDebug("read returned after cancellation", "conn", w.id, "discarded", n)
			return
		}
		if n > 0 {
			payload, err := r.Advance(n)
			switch {
			case errors.Is(err, frame.ErrDesync):
				w.d.opts.Metrics.FrameResult(kind, metrics.FrameDesync)
				w.warn("frame desync, buffer reset", "error", err)
			case err != nil:
				w.d.logError("reassembly failed", err, "conn", w.id)
				return
			case payload != nil:
				w.handleFrame(session, kind, payload)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				w.d.logInfo("client disconnected", "conn", w.id, "transport", kind)
			} else if ctx.Err() == nil {
				w.d.logDebug("read ended", "conn", w.id, "error", readErr)
			}
			return
		}
	}
}

// handleFrame decodes one payload and emits the note, preceded by the
// volume when it changed since this worker last sent it.
func (w *worker) handleFrame(session sink.Session, kind string, payload []byte) {
	note, err := event.DecodeFrame(payload)
	if err != nil {
		w.d.opts.Metrics.FrameResult(kind, metrics.FrameMalformed)
		w.warn("dropping malformed frame", "error", err, "payload", string(payload))
		return
	}
	w.d.opts.Metrics.FrameResult(kind, metrics.FrameOK)

	if p := w.d.opts.Params; p != nil {
		snap := p.Snapshot()
		if snap.Generation != w.volumeGen {
			w.volumeGen = snap.Generation
			w.emit(session, event.ParameterSetEvent{Name: event.ParamVolume, Value: snap.Volume})
		}
	}

	w.emit(session, note)
}

func (w *worker) emit(session sink.Session, ev event.Event) {
	kind := string(ev.Kind())
	if err := session.Emit(ev); err != nil {
		w.d.opts.Metrics.SinkError(kind)
		w.warn("sink emit failed", "event", kind, "error", err)
		return
	}
	w.d.opts.Metrics.EventEmitted(kind)
}

// close runs the Closing state: slot, connection, then session.
func (w *worker) close(session sink.Session) {
	w.setState(StateClosing)

	w.d.opts.Slots.Release(w.id)
	w.closeConn()
	if session != nil {
		if err := session.Close(); err != nil {
			w.d.logWarn("closing sink session failed", "conn", w.id, "error", err)
		}
	}
	w.d.opts.Throttle.Forget(w.id)
	w.d.opts.Metrics.ConnectionClosed(string(w.conn.Kind()))

	w.setState(StateDone)
	w.d.logDebug("worker done", "conn", w.id, "slot", w.slot)
}

// warn logs a per-connection warning subject to the throttle.
func (w *worker) warn(msg string, keysAndValues ...any) {
	if !w.d.opts.Throttle.Allow(w.id, time.Now()) {
		return
	}
	w.d.logWarn(msg, append([]any{"conn", w.id}, keysAndValues...)...)
}
