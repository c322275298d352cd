// Package telemetry records decoded events as InfluxDB points.
//
// Every event becomes one point in the "midi_events" measurement, tagged
// with its kind. Writes are batched by the InfluxDB client and never block
// the connection worker.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/sink"
)

// Measurement is the InfluxDB measurement events are written to.
const Measurement = "midi_events"

// PointWriter is the subset of *influxdb.Client the sink needs.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// Sink writes events to a PointWriter.
type Sink struct {
	w      PointWriter
	closed atomic.Bool

	// now is replaced in tests.
	now func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

// New creates a telemetry sink.
func New(w PointWriter) (*Sink, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil point writer", sink.ErrNoDriver)
	}
	return &Sink{w: w, now: time.Now}, nil
}

// Open creates a session for owner.
func (s *Sink) Open(_ context.Context, owner string) (sink.Session, error) {
	if s.closed.Load() {
		return nil, sink.ErrClosed
	}
	return &session{owner: owner, parent: s}, nil
}

// Close stops further sessions. The InfluxDB client is owned by the caller.
func (s *Sink) Close() error {
	s.closed.Store(true)
	return nil
}

// Point converts ev into a tag set and field set.
func Point(owner string, ev event.Event) (map[string]string, map[string]interface{}, error) {
	tags := map[string]string{"kind": ""}
	fields := map[string]interface{}{"owner": owner}

	switch e := ev.(type) {
	case event.NoteEvent:
		tags["kind"] = string(e.Kind())
		fields["type"] = int(e.Type)
		fields["channel"] = int(e.Channel)
		fields["note"] = int(e.Note)
		fields["velocity"] = int(e.Velocity)
	case event.ProgramChangeEvent:
		tags["kind"] = string(e.Kind())
		fields["channel"] = e.Channel
		fields["program"] = e.Program
	case event.ParameterSetEvent:
		tags["kind"] = string(e.Kind())
		tags["parameter"] = e.Name
		fields["value"] = e.Value
	default:
		return nil, nil, fmt.Errorf("%w: %T", sink.ErrUnsupportedEvent, ev)
	}
	return tags, fields, nil
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

	if closed {
		return sink.ErrClosed
	}
	if !bound {
		return sink.ErrNotBound
	}

	tags, fields, err := Point(s.owner, ev)
	if err != nil {
		return err
	}
	s.parent.w.WritePointWithTime(Measurement, tags, fields, s.parent.now())
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
