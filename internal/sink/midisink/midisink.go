// Package midisink renders decoded events as MIDI messages on local output
// ports through gomidi drivers.
//
// Ports are shared between sessions: the first session that binds a port
// opens it and the last session that releases it closes it. The driver is
// injected so tests can run without a sound stack; cmd/btmidid registers the
// rtmidi driver.
package midisink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/sink"
)

const (
	// midiChannels is the number of MIDI channels a volume change covers.
	midiChannels = 16

	// controlVolume is the MIDI channel volume controller.
	controlVolume = 7

	// defaultChimeGap is the pause between ready chime notes.
	defaultChimeGap = 300 * time.Millisecond

	// chimeNote and chimeVelocity are played once per chime program.
	chimeNote     = 100
	chimeVelocity = 100
)

// chimePrograms are the instruments cycled by the ready chime.
var chimePrograms = []int{76, 77, 78}

// Driver lists output ports. *rtmididrv.Driver satisfies it.
type Driver interface {
	Outs() ([]drivers.Out, error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config selects the output ports.
type Config struct {
	// Ports lists port selectors: a port number, an exact port name, or a
	// case-insensitive substring of the name such as "128:0".
	Ports []string

	// ChimeGap is the pause between ready chime notes. Default: 300ms.
	ChimeGap time.Duration
}

// PortInfo describes an output port for listing.
type PortInfo struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
}

// ParsePortSpec splits a comma-separated port list, dropping empty entries.
func ParsePortSpec(spec string) []string {
	var ports []string
	for _, p := range strings.Split(spec, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ports = append(ports, p)
		}
	}
	return ports
}

// ListPorts returns every output port offered by drv.
func ListPorts(drv Driver) ([]PortInfo, error) {
	if drv == nil {
		return nil, sink.ErrNoDriver
	}
	outs, err := drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("listing output ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(outs))
	for _, out := range outs {
		infos = append(infos, PortInfo{Number: out.Number(), Name: out.String()})
	}
	return infos, nil
}

// sharedPort is an opened output port with a reference count.
type sharedPort struct {
	out  drivers.Out
	refs int

	// sendMu serialises writes so messages from different sessions are
	// never interleaved on the wire.
	sendMu sync.Mutex
}

func (p *sharedPort) send(msg midi.Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.out.Send(msg)
}

// Sink is a sink.Sink writing to MIDI output ports.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Sink struct {
	drv      Driver
	selector []string
	chimeGap time.Duration

	mu     sync.Mutex
	ports  map[string]*sharedPort
	closed bool

	loggerMu sync.RWMutex
	logger   Logger
}

// Ensure Sink implements sink.Sink.
var _ sink.Sink = (*Sink)(nil)

// New creates a MIDI sink. No port is opened until a session binds.
func New(drv Driver, cfg Config) (*Sink, error) {
	if drv == nil {
		return nil, sink.ErrNoDriver
	}
	if cfg.ChimeGap <= 0 {
		cfg.ChimeGap = defaultChimeGap
	}
	return &Sink{
		drv:      drv,
		selector: cfg.Ports,
		chimeGap: cfg.ChimeGap,
		ports:    make(map[string]*sharedPort),
	}, nil
}

// SetLogger sets the logger for port lifecycle messages.
func (s *Sink) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

// Open creates a session for owner.
func (s *Sink) Open(_ context.Context, owner string) (sink.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sink.ErrClosed
	}
	return &session{owner: owner, parent: s}, nil
}

// Close closes every port still open. Sessions bound afterwards fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for key, p := range s.ports {
		if err := p.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", p.out.String(), err))
		}
		delete(s.ports, key)
	}
	return errors.Join(errs...)
}

// OpenPorts returns the number of ports currently held open.
func (s *Sink) OpenPorts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports)
}

// resolve maps the configured selectors to driver ports.
func (s *Sink) resolve() ([]drivers.Out, error) {
	if len(s.selector) == 0 {
		return nil, fmt.Errorf("%w: no output port configured", sink.ErrPortUnavailable)
	}

	outs, err := s.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("%w: listing ports: %w", sink.ErrPortUnavailable, err)
	}

	resolved := make([]drivers.Out, 0, len(s.selector))
	for _, sel := range s.selector {
		out := matchPort(outs, sel)
		if out == nil {
			return nil, fmt.Errorf("%w: no port matches %q", sink.ErrPortUnavailable, sel)
		}
		resolved = append(resolved, out)
	}
	return resolved, nil
}

// matchPort picks the port for one selector: number first, then exact name,
// then the first name containing the selector.
func matchPort(outs []drivers.Out, selector string) drivers.Out {
	if n, err := strconv.Atoi(selector); err == nil {
		for _, out := range outs {
			if out.Number() == n {
				return out
			}
		}
	}
	for _, out := range outs {
		if out.String() == selector {
			return out
		}
	}
	lower := strings.ToLower(selector)
	for _, out := range outs {
		if strings.Contains(strings.ToLower(out.String()), lower) {
			return out
		}
	}
	return nil
}

func portKey(out drivers.Out) string {
	return strconv.Itoa(out.Number()) + "/" + out.String()
}

// acquire opens (or shares) every resolved port.
func (s *Sink) acquire(owner string) ([]*sharedPort, error) {
	outs, err := s.resolve()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sink.ErrClosed
	}

	held := make([]*sharedPort, 0, len(outs))
	for _, out := range outs {
		key := portKey(out)
		p, ok := s.ports[key]
		if !ok {
			if !out.IsOpen() {
				if err := out.Open(); err != nil {
					s.releaseLocked(held)
					return nil, fmt.Errorf("%w: opening %s: %w", sink.ErrPortUnavailable, out.String(), err)
				}
			}
			p = &sharedPort{out: out}
			s.ports[key] = p
			s.logInfo("output port opened", "port", out.String(), "owner", owner)
		}
		p.refs++
		held = append(held, p)
	}
	return held, nil
}

func (s *Sink) release(ports []*sharedPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(ports)
}

func (s *Sink) releaseLocked(ports []*sharedPort) {
	for _, p := range ports {
		p.refs--
		if p.refs > 0 {
			continue
		}
		key := portKey(p.out)
		if s.ports[key] != p {
			continue
		}
		delete(s.ports, key)
		if err := p.out.Close(); err != nil {
			s.logError("closing output port failed", err, "port", p.out.String())
			continue
		}
		s.logInfo("output port closed", "port", p.out.String())
	}
}

// PlayReady plays the startup chime: for each chime program a program change
// on channel 0 followed by one note held for the chime gap.
func (s *Sink) PlayReady(ctx context.Context) error {
	sess, err := s.Open(ctx, "ready-chime")
	if err != nil {
		return err
	}
	defer sess.Close() //nolint:errcheck // best-effort release

	if err := sess.Bind(); err != nil {
		return err
	}

	for _, program := range chimePrograms {
		steps := []event.Event{
			event.ProgramChangeEvent{Channel: 0, Program: program},
			event.NoteEvent{Channel: 0, Note: chimeNote, Velocity: chimeVelocity},
		}
		for _, ev := range steps {
			if err := sess.Emit(ev); err != nil {
				return err
			}
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
		if err := sess.Emit(event.NoteEvent{Channel: 0, Note: chimeNote}); err != nil {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(s.chimeGap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Render converts an event to the MIDI messages that express it.
//
// Channel and data bytes are masked to their MIDI ranges. A volume
// ParameterSetEvent becomes a channel volume controller change on every
// channel.
func Render(ev event.Event) ([]midi.Message, error) {
	switch e := ev.(type) {
	case event.NoteEvent:
		return []midi.Message{midi.NoteOn(e.Channel&0x0F, e.Note&0x7F, e.Velocity&0x7F)}, nil
	case event.ProgramChangeEvent:
		if e.Channel < 0 || e.Channel >= midiChannels {
			return nil, fmt.Errorf("%w: program change channel %d", sink.ErrUnsupportedEvent, e.Channel)
		}
		if e.Program < 0 || e.Program > 127 {
			return nil, fmt.Errorf("%w: program %d", sink.ErrUnsupportedEvent, e.Program)
		}
		return []midi.Message{midi.ProgramChange(uint8(e.Channel), uint8(e.Program))}, nil // #nosec G115 -- range checked above
	case event.ParameterSetEvent:
		if e.Name != event.ParamVolume {
			return nil, fmt.Errorf("%w: parameter %q", sink.ErrUnsupportedEvent, e.Name)
		}
		value := uint8(min(max(e.Value, 0), 127))
		msgs := make([]midi.Message, 0, midiChannels)
		for ch := range uint8(midiChannels) {
			msgs = append(msgs, midi.ControlChange(ch, controlVolume, value))
		}
		return msgs, nil
	default:
		return nil, fmt.Errorf("%w: %T", sink.ErrUnsupportedEvent, ev)
	}
}

// session is one producer's view of the shared ports.
type session struct {
	owner  string
	parent *Sink

	mu     sync.Mutex
	ports  []*sharedPort
	bound  bool
	closed bool
}

func (s *session) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	if s.bound {
		return nil
	}

	ports, err := s.parent.acquire(s.owner)
	if err != nil {
		return err
	}
	s.ports = ports
	s.bound = true
	return nil
}

func (s *session) Emit(ev event.Event) error {
	msgs, err := Render(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	if !s.bound {
		return sink.ErrNotBound
	}

	var errs []error
	for _, p := range s.ports {
		for _, msg := range msgs {
			if err := p.send(msg); err != nil {
				errs = append(errs, fmt.Errorf("sending to %s: %w", p.out.String(), err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.bound {
		s.parent.release(s.ports)
		s.ports = nil
	}
	return nil
}

func (s *Sink) logInfo(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Sink) logError(msg string, err error, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
