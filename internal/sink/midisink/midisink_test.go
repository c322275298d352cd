package midisink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/btmidi/btmidid/internal/event"
	"github.com/btmidi/btmidid/internal/sink"
)

// mockOut is an in-memory drivers.Out.
type mockOut struct {
	mu      sync.Mutex
	number  int
	name    string
	open    bool
	opens   int
	closes  int
	openErr error
	sendErr error
	sent    [][]byte
}

var _ drivers.Out = (*mockOut)(nil)

func (o *mockOut) Open() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return o.openErr
	}
	o.open = true
	o.opens++
	return nil
}

func (o *mockOut) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = false
	o.closes++
	return nil
}

func (o *mockOut) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

func (o *mockOut) Number() int { return o.number }

func (o *mockOut) String() string { return o.name }

func (o *mockOut) Underlying() interface{} { return nil }

func (o *mockOut) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	o.sent = append(o.sent, append([]byte(nil), data...))
	return nil
}

func (o *mockOut) messages() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.sent...)
}

type mockDriver struct {
	outs []drivers.Out
	err  error
}

func (d *mockDriver) Outs() ([]drivers.Out, error) {
	return d.outs, d.err
}

func newTestSink(t *testing.T, ports []string, outs ...*mockOut) *Sink {
	t.Helper()
	drv := &mockDriver{}
	for _, o := range outs {
		drv.outs = append(drv.outs, o)
	}
	s, err := New(drv, Config{Ports: ports, ChimeGap: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		spec string
		want []string
	}{
		{spec: "128:0", want: []string{"128:0"}},
		{spec: "128:0, 129:0", want: []string{"128:0", "129:0"}},
		{spec: "", want: nil},
		{spec: ",,Synth,", want: []string{"Synth"}},
	}
	for _, tt := range tests {
		got := ParsePortSpec(tt.spec)
		if len(got) != len(tt.want) {
			t.Errorf("ParsePortSpec(%q) = %q, want %q", tt.spec, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParsePortSpec(%q)[%d] = %q, want %q", tt.spec, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		ev      event.Event
		want    []midi.Message
		wantErr bool
	}{
		{
			name: "note on",
			ev:   event.NoteEvent{Channel: 1, Note: 0x64, Velocity: 0x2C},
			want: []midi.Message{midi.NoteOn(1, 0x64, 0x2C)},
		},
		{
			name: "note off via zero velocity",
			ev:   event.NoteEvent{Channel: 0, Note: 0x3C},
			want: []midi.Message{midi.NoteOn(0, 0x3C, 0)},
		},
		{
			name: "data bytes masked",
			ev:   event.NoteEvent{Channel: 0x11, Note: 0xAE, Velocity: 0xFF},
			want: []midi.Message{midi.NoteOn(1, 0x2E, 0x7F)},
		},
		{
			name: "program change",
			ev:   event.ProgramChangeEvent{Channel: 2, Program: 40},
			want: []midi.Message{midi.ProgramChange(2, 40)},
		},
		{
			name: "program change bounds",
			ev:   event.ProgramChangeEvent{Channel: 15, Program: 127},
			want: []midi.Message{midi.ProgramChange(15, 127)},
		},
		{
			name:    "program change channel out of range",
			ev:      event.ProgramChangeEvent{Channel: 17, Program: 5},
			wantErr: true,
		},
		{
			name:    "program change negative channel",
			ev:      event.ProgramChangeEvent{Channel: -1, Program: 5},
			wantErr: true,
		},
		{
			name:    "program out of range",
			ev:      event.ProgramChangeEvent{Channel: 2, Program: 128},
			wantErr: true,
		},
		{
			name:    "unknown parameter",
			ev:      event.ParameterSetEvent{Name: "tempo", Value: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.ev)
			if tt.wantErr {
				if !errors.Is(err, sink.ErrUnsupportedEvent) {
					t.Errorf("Render() error = %v, want ErrUnsupportedEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Render() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Render() = %d messages, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("message[%d] = % X, want % X", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRenderVolumeCoversAllChannels(t *testing.T) {
	msgs, err := Render(event.ParameterSetEvent{Name: event.ParamVolume, Value: 75})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if len(msgs) != midiChannels {
		t.Fatalf("Render() = %d messages, want %d", len(msgs), midiChannels)
	}
	for ch, msg := range msgs {
		want := midi.ControlChange(uint8(ch), controlVolume, 75)
		if !bytes.Equal(msg, want) {
			t.Errorf("channel %d: % X, want % X", ch, msg, want)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	out := &mockOut{number: 1, name: "FLUID Synth 128:0"}
	s := newTestSink(t, []string{"128:0"}, &mockOut{number: 0, name: "Midi Through 14:0"}, out)

	sess, err := s.Open(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := sess.Emit(event.NoteEvent{Channel: 1}); !errors.Is(err, sink.ErrNotBound) {
		t.Errorf("Emit() before Bind error = %v, want ErrNotBound", err)
	}
	if err := sess.Bind(); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if err := sess.Emit(event.NoteEvent{Channel: 1, Note: 0x64, Velocity: 0x2C}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	sent := out.messages()
	if len(sent) != 1 || !bytes.Equal(sent[0], midi.NoteOn(1, 0x64, 0x2C)) {
		t.Errorf("sent = % X", sent)
	}

	sess.Close()
	sess.Close()
	if out.closes != 1 {
		t.Errorf("port closes = %d, want 1", out.closes)
	}
	if err := sess.Emit(event.NoteEvent{}); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Emit() after Close error = %v, want ErrClosed", err)
	}
}

func TestPortsSharedBetweenSessions(t *testing.T) {
	out := &mockOut{number: 3, name: "Synth"}
	s := newTestSink(t, []string{"3"}, out)

	first, _ := s.Open(context.Background(), "a")
	second, _ := s.Open(context.Background(), "b")
	for _, sess := range []sink.Session{first, second} {
		if err := sess.Bind(); err != nil {
			t.Fatalf("Bind() error: %v", err)
		}
	}
	if out.opens != 1 || s.OpenPorts() != 1 {
		t.Errorf("opens = %d, OpenPorts() = %d, want 1 and 1", out.opens, s.OpenPorts())
	}

	first.Close()
	if out.closes != 0 {
		t.Errorf("port closed while still in use")
	}
	second.Close()
	if out.closes != 1 || s.OpenPorts() != 0 {
		t.Errorf("closes = %d, OpenPorts() = %d, want 1 and 0", out.closes, s.OpenPorts())
	}
}

func TestBindFailures(t *testing.T) {
	tests := []struct {
		name  string
		ports []string
		out   *mockOut
	}{
		{name: "no ports configured", ports: nil, out: &mockOut{name: "Synth"}},
		{name: "no match", ports: []string{"Piano"}, out: &mockOut{name: "Synth"}},
		{name: "open fails", ports: []string{"Synth"}, out: &mockOut{name: "Synth", openErr: errors.New("busy")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSink(t, tt.ports, tt.out)
			sess, err := s.Open(context.Background(), "conn")
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if err := sess.Bind(); !errors.Is(err, sink.ErrPortUnavailable) {
				t.Errorf("Bind() error = %v, want ErrPortUnavailable", err)
			}
			if s.OpenPorts() != 0 {
				t.Errorf("OpenPorts() = %d after failed bind", s.OpenPorts())
			}
		})
	}
}

func TestPartialBindFailureReleasesPorts(t *testing.T) {
	good := &mockOut{number: 0, name: "Good"}
	bad := &mockOut{number: 1, name: "Bad", openErr: errors.New("busy")}
	s := newTestSink(t, []string{"Good", "Bad"}, good, bad)

	sess, _ := s.Open(context.Background(), "conn")
	if err := sess.Bind(); err == nil {
		t.Fatal("Bind() succeeded, want error")
	}
	if good.closes != 1 || s.OpenPorts() != 0 {
		t.Errorf("good closes = %d, OpenPorts() = %d, want 1 and 0", good.closes, s.OpenPorts())
	}
}

func TestEmitSendError(t *testing.T) {
	out := &mockOut{name: "Synth", sendErr: errors.New("unplugged")}
	s := newTestSink(t, []string{"Synth"}, out)

	sess, _ := s.Open(context.Background(), "conn")
	if err := sess.Bind(); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if err := sess.Emit(event.NoteEvent{Channel: 1}); err == nil {
		t.Error("Emit() succeeded, want send error")
	}
}

func TestSinkClose(t *testing.T) {
	out := &mockOut{name: "Synth"}
	s := newTestSink(t, []string{"Synth"}, out)

	sess, _ := s.Open(context.Background(), "conn")
	if err := sess.Bind(); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	sess.Close()
	if out.closes != 1 {
		t.Errorf("closes = %d, want 1", out.closes)
	}
	if _, err := s.Open(context.Background(), "late"); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Open() after Close error = %v, want ErrClosed", err)
	}
}

func TestPlayReady(t *testing.T) {
	out := &mockOut{name: "Synth"}
	s := newTestSink(t, []string{"Synth"}, out)

	if err := s.PlayReady(context.Background()); err != nil {
		t.Fatalf("PlayReady() error: %v", err)
	}

	var want []midi.Message
	for _, program := range chimePrograms {
		want = append(want,
			midi.ProgramChange(0, uint8(program)),
			midi.NoteOn(0, chimeNote, chimeVelocity),
			midi.NoteOn(0, chimeNote, 0),
		)
	}
	sent := out.messages()
	if len(sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(sent), len(want))
	}
	for i := range want {
		if !bytes.Equal(sent[i], want[i]) {
			t.Errorf("message[%d] = % X, want % X", i, sent[i], want[i])
		}
	}
	if s.OpenPorts() != 0 {
		t.Errorf("OpenPorts() = %d after chime, want 0", s.OpenPorts())
	}
}

func TestPlayReadyCancelled(t *testing.T) {
	s := newTestSink(t, []string{"Synth"}, &mockOut{name: "Synth"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.PlayReady(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("PlayReady() error = %v, want context.Canceled", err)
	}
}

func TestListPorts(t *testing.T) {
	drv := &mockDriver{outs: []drivers.Out{
		&mockOut{number: 0, name: "Midi Through 14:0"},
		&mockOut{number: 1, name: "FLUID Synth 128:0"},
	}}

	infos, err := ListPorts(drv)
	if err != nil {
		t.Fatalf("ListPorts() error: %v", err)
	}
	if len(infos) != 2 || infos[1].Number != 1 || infos[1].Name != "FLUID Synth 128:0" {
		t.Errorf("ListPorts() = %+v", infos)
	}

	if _, err := ListPorts(&mockDriver{err: errors.New("no alsa")}); err == nil {
		t.Error("ListPorts() with driver error succeeded")
	}
	if _, err := ListPorts(nil); !errors.Is(err, sink.ErrNoDriver) {
		t.Errorf("ListPorts(nil) error = %v, want ErrNoDriver", err)
	}
}

func TestNewRequiresDriver(t *testing.T) {
	if _, err := New(nil, Config{}); !errors.Is(err, sink.ErrNoDriver) {
		t.Errorf("New(nil) error = %v, want ErrNoDriver", err)
	}
}
