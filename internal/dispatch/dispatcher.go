package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btmidi/btmidid/internal/frame"
	"github.com/btmidi/btmidid/internal/infrastructure/logging"
	"github.com/btmidi/btmidid/internal/infrastructure/metrics"
	"github.com/btmidi/btmidid/internal/params"
	"github.com/btmidi/btmidid/internal/sink"
	"github.com/btmidi/btmidid/internal/slot"
	"github.com/btmidi/btmidid/internal/transport"
)

// Accept retry backoff for transient listener errors.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds the dispatcher's collaborators.
type Options struct {
	// Slots bounds concurrent connections. Required.
	Slots *slot.Table

	// Sink receives decoded events. Required.
	Sink sink.Sink

	// Params is consulted before each note for volume changes. Optional.
	Params *params.Record

	// Metrics records admission and frame counters. Optional.
	Metrics *metrics.Metrics

	// Throttle limits repeated per-connection warnings. Optional.
	Throttle *logging.Throttle

	// Logger is optional; nil means silent.
	Logger Logger

	// NewID generates connection IDs. Default: uuid.NewString.
	NewID func() string
}

// ConnInfo describes an active connection.
type ConnInfo struct {
	ID        string         `json:"id"`
	Transport transport.Kind `json:"transport"`
	Remote    string         `json:"remote"`
	Slot      int            `json:"slot"`
	Since     time.Time      `json:"since"`
	State     State          `json:"state"`
}

// Dispatcher admits connections and supervises their workers.
//
// Thread Safety:
//   - Serve may run concurrently for several listeners.
//   - Active and Shutdown are safe to call from any goroutine.
type Dispatcher struct {
	opts Options

	wg sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*worker
	stopping bool
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Slots == nil {
		return nil, fmt.Errorf("%w: slot table is required", ErrInvalidOptions)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidOptions)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	opts.Metrics.SetSlotCapacity(opts.Slots.Capacity())

	return &Dispatcher{
		opts:    opts,
		workers: make(map[string]*worker),
	}, nil
}

// Serve accepts connections from ln until ctx is cancelled or ln is closed,
// framing each connection with spec. ln is closed when Serve returns.
// Workers share ctx: after cancellation each one stops when its pending
// read returns, and Shutdown closes the reads that stay blocked.
//
// Returns:
//   - error: nil after cancellation or listener close; ErrShuttingDown if
//     Shutdown already started
func (d *Dispatcher) Serve(ctx context.Context, ln transport.Listener, spec frame.Spec) error {
	if err := spec.Validate(); err != nil {
		ln.Close() //nolint:errcheck // refusing to serve
		return err
	}

	d.mu.Lock()
	stopping := d.stopping
	d.mu.Unlock()
	if stopping {
		ln.Close() //nolint:errcheck // refusing to serve
		return ErrShuttingDown
	}

	stop := context.AfterFunc(ctx, func() {
		ln.Close() //nolint:errcheck // unblocks Accept
	})
	defer stop()
	defer ln.Close() //nolint:errcheck // idempotent

	d.logInfo("accepting connections",
		"transport", ln.Kind(),
		"addr", ln.Addr(),
		"frame_width", spec.Width,
	)

	backoff := time.Duration(0)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				d.logInfo("listener stopped", "transport", ln.Kind(), "addr", ln.Addr())
				return nil
			}

			backoff = nextBackoff(backoff)
			d.logWarn("accept failed", "transport", ln.Kind(), "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0

		d.admit(ctx, conn, spec)
	}
}

// admit assigns a slot to conn and starts its worker, or rejects it.
func (d *Dispatcher) admit(ctx context.Context, conn transport.Conn, spec frame.Spec) {
	id := d.opts.NewID()
	kind := string(conn.Kind())

	index, ok := d.opts.Slots.Acquire(id)
	if !ok {
		d.opts.Metrics.ConnectionRejected(kind)
		conn.Close() //nolint:errcheck // rejected connections get no reply
		if d.opts.Throttle.Allow("reject:"+kind, time.Now()) {
			d.logWarn("connection rejected",
				"transport", kind,
				"remote", conn.Remote(),
				"error", ErrAdmissionRejected,
				"capacity", d.opts.Slots.Capacity(),
			)
		}
		return
	}

	w := newWorker(d, conn, id, index, spec)

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		d.opts.Slots.Release(id)
		conn.Close() //nolint:errcheck // shutting down
		return
	}
	d.workers[id] = w
	d.wg.Add(1)
	d.mu.Unlock()

	d.opts.Metrics.ConnectionAdmitted(kind)
	d.logInfo("client admitted",
		"conn", id,
		"transport", kind,
		"remote", conn.Remote(),
		"slot", index,
	)

	go func() {
		defer d.wg.Done()
		defer d.forget(id)
		w.run(ctx)
	}()
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.workers, id)
	d.mu.Unlock()
}

// Active returns the connections currently holding a slot, ordered by slot.
func (d *Dispatcher) Active() []ConnInfo {
	d.mu.Lock()
	out := make([]ConnInfo, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.info())
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Shutdown stops admitting connections and waits for workers to finish.
// When ctx expires first, the remaining connections are closed and
// Shutdown waits for their workers before returning ctx.Err().
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	remaining := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		remaining = append(remaining, w)
	}
	d.mu.Unlock()

	d.logWarn("shutdown grace period expired, closing connections", "remaining", len(remaining))
	for _, w := range remaining {
		w.closeConn()
	}
	<-done
	return ctx.Err()
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return minAcceptBackoff
	}
	cur *= 2
	if cur > maxAcceptBackoff {
		cur = maxAcceptBackoff
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logError(msg string, err error, keysAndValues ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
