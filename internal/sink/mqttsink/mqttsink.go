// Package mqttsink mirrors decoded events to the MQTT broker.
//
// Each event is published as JSON on {prefix}/event/{kind}. The mirror is
// best effort: while the broker is unreachable events are dropped and
// counted, and the MIDI output is unaffected.
package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/infrastructure/mqtt"
	"github.com/btmidi/btmidid/internal/sink"
)

// Publisher is the subset of *mqtt.Client the mirror needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Config configures the mirror.
type Config struct {
	Topics mqtt.Topics
	QoS    byte
}

// Envelope is the JSON body of a mirrored event.
type Envelope struct {
	Owner     string      `json:"owner"`
	Kind      event.Kind  `json:"kind"`
	Event     event.Event `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink publishes events through a Publisher.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Sink struct {
	pub Publisher
	cfg Config

	closed  atomic.Bool
	dropped atomic.Uint64

	// now is replaced in tests.
	now func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

// New creates a mirror sink.
func New(pub Publisher, cfg Config) (*Sink, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil mqtt publisher", sink.ErrNoDriver)
	}
	if cfg.QoS > 2 {
		return nil, mqtt.ErrInvalidQoS
	}
	return &Sink{pub: pub, cfg: cfg, now: time.Now}, nil
}

// Open creates a session for owner.
func (s *Sink) Open(_ context.Context, owner string) (sink.Session, error) {
	if s.closed.Load() {
		return nil, sink.ErrClosed
	}
	return &session{owner: owner, parent: s}, nil
}

// Close stops further sessions. The broker connection is owned by the caller.
func (s *Sink) Close() error {
	s.closed.Store(true)
	return nil
}

// Dropped returns how many events were skipped while the broker was down.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) publish(owner string, ev event.Event) error {
	if !s.pub.IsConnected() {
		s.dropped.Add(1)
		return nil
	}

	payload, err := json.Marshal(Envelope{
		Owner:     owner,
		Kind:      ev.Kind(),
		Event:     ev,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Kind(), err)
	}
	return s.pub.Publish(s.cfg.Topics.Event(string(ev.Kind())), payload, s.cfg.QoS, false)
}

type session struct {
	owner  string
	parent *Sink

	mu     sync.Mutex
	bound  bool
	closed bool
}

func (s *session) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	s.bound = true
	return nil
}

func (s *session) Emit(ev event.Event) error {
	s.mu.Lock()
	bound, closed := s.bound, s.closed
	s.mu.Unlock()

	switch {
	case closed:
		return sink.ErrClosed
	case !bound:
		return sink.ErrNotBound
	case ev == nil:
		return fmt.Errorf("%w: nil event", sink.ErrUnsupportedEvent)
	}
	return s.parent.publish(s.owner, ev)
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
