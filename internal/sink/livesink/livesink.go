// Package livesink streams decoded events to live status API clients.
//
// Events are handed to a Broadcaster (the API's WebSocket hub) on the
// channel "midi.{kind}". Delivery is fire and forget: slow or absent
// clients never block a connection worker.
package livesink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/sink"
)

// ChannelPrefix is prepended to the event kind to form the broadcast channel.
const ChannelPrefix = "midi."

// Broadcaster fans a payload out to subscribers of a channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Payload is the body broadcast for each event.
type Payload struct {
	Owner string      `json:"owner"`
	Kind  event.Kind  `json:"kind"`
	Event event.Event `json:"event"`
}

// Channel returns the broadcast channel for an event kind.
func Channel(kind event.Kind) string {
	return ChannelPrefix + string(kind)
}

// Channels lists every channel the sink broadcasts on.
func Channels() []string {
	return []string{
		Channel(event.KindNote),
		Channel(event.KindProgramChange),
		Channel(event.KindParameterSet),
	}
}

// Sink forwards events to a Broadcaster.
type Sink struct {
	b      Broadcaster
	closed atomic.Bool
}

var _ sink.Sink = (*Sink)(nil)

// New creates a live sink.
func New(b Broadcaster) (*Sink, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil broadcaster", sink.ErrNoDriver)
	}
	return &Sink{b: b}, nil
}

// Open creates a session for owner.
func (s *Sink) Open(_ context.Context, owner string) (sink.Session, error) {
	if s.closed.Load() {
		return nil, sink.ErrClosed
	}
	return &session{owner: owner, b: s.b}, nil
}

// Close stops further sessions.
func (s *Sink) Close() error {
	s.closed.Store(true)
	return nil
}

type session struct {
	owner string
	b     Broadcaster

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
	s.b.Broadcast(Channel(ev.Kind()), Payload{Owner: s.owner, Kind: ev.Kind(), Event: ev})
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
