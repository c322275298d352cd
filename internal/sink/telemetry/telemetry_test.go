package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/sink"
)

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
	ts          time.Time
}

type mockWriter struct {
	points []point
}

func (m *mockWriter) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	m.points = append(m.points, point{measurement: measurement, tags: tags, fields: fields, ts: ts})
}

// unknownEvent satisfies event.Event only through embedding.
type unknownEvent struct{ event.NoteEvent }

func TestPoint(t *testing.T) {
	tests := []struct {
		name       string
		ev         event.Event
		wantKind   string
		wantFields map[string]interface{}
		wantParam  string
	}{
		{
			name:     "note",
			ev:       event.NoteEvent{Type: 1, Channel: 1, Note: 100, Velocity: 44},
			wantKind: "note",
			wantFields: map[string]interface{}{
				"owner": "c1", "type": 1, "channel": 1, "note": 100, "velocity": 44,
			},
		},
		{
			name:       "program change",
			ev:         event.ProgramChangeEvent{Channel: 3, Program: 77},
			wantKind:   "program_change",
			wantFields: map[string]interface{}{"owner": "c1", "channel": 3, "program": 77},
		},
		{
			name:       "volume",
			ev:         event.ParameterSetEvent{Name: "volume", Value: 90},
			wantKind:   "parameter_set",
			wantFields: map[string]interface{}{"owner": "c1", "value": 90},
			wantParam:  "volume",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags, fields, err := Point("c1", tt.ev)
			if err != nil {
				t.Fatalf("Point() error = %v", err)
			}
			if tags["kind"] != tt.wantKind {
				t.Errorf("kind tag = %q, want %q", tags["kind"], tt.wantKind)
			}
			if tags["parameter"] != tt.wantParam {
				t.Errorf("parameter tag = %q, want %q", tags["parameter"], tt.wantParam)
			}
			if len(fields) != len(tt.wantFields) {
				t.Fatalf("fields = %v, want %v", fields, tt.wantFields)
			}
			for k, v := range tt.wantFields {
				if fields[k] != v {
					t.Errorf("fields[%q] = %v (%T), want %v", k, fields[k], fields[k], v)
				}
			}
		})
	}
}

func TestPoint_Unsupported(t *testing.T) {
	if _, _, err := Point("c1", unknownEvent{}); !errors.Is(err, sink.ErrUnsupportedEvent) {
		t.Errorf("Point() error = %v, want ErrUnsupportedEvent", err)
	}
}

func TestSession_Emit(t *testing.T) {
	w := &mockWriter{}
	s, err := New(w)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return ts }

	sess, err := s.Open(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sess.Emit(event.NoteEvent{}); !errors.Is(err, sink.ErrNotBound) {
		t.Errorf("Emit before Bind error = %v", err)
	}
	if err := sess.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := sess.Emit(event.NoteEvent{Channel: 1, Note: 60, Velocity: 90}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.measurement != Measurement || !p.ts.Equal(ts) {
		t.Errorf("point = %+v", p)
	}

	_ = sess.Close()
	if err := sess.Emit(event.NoteEvent{}); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Emit after Close error = %v", err)
	}
}

func TestSink_Lifecycle(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, sink.ErrNoDriver) {
		t.Errorf("New(nil) error = %v", err)
	}

	s, _ := New(&mockWriter{})
	_ = s.Close()
	if _, err := s.Open(context.Background(), "c1"); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Open after Close error = %v", err)
	}
}
