package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/btmidi/btmidid/internal/infrastructure/config"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func newTestClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	return &Client{writeAPI: w, connected: true}, w
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestBatchSettings(t *testing.T) {
	tests := []struct {
		name      string
		batch     int
		flush     int
		wantBatch int
		wantFlush int
	}{
		{name: "configured", batch: 50, flush: 2, wantBatch: 50, wantFlush: 2},
		{name: "zero uses defaults", batch: 0, flush: 0, wantBatch: defaultBatchSize, wantFlush: defaultFlushInterval},
		{name: "negative uses defaults", batch: -5, flush: -1, wantBatch: defaultBatchSize, wantFlush: defaultFlushInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, flush := batchSettings(config.InfluxDBConfig{BatchSize: tt.batch, FlushInterval: tt.flush})
			if size != tt.wantBatch || flush != tt.wantFlush {
				t.Errorf("batchSettings() = (%d, %d), want (%d, %d)", size, flush, tt.wantBatch, tt.wantFlush)
			}
		})
	}
}

func TestWritePointWithTime(t *testing.T) {
	c, w := newTestClient()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c.WritePointWithTime("midi_events",
		map[string]string{"kind": "note"},
		map[string]interface{}{"note": 60},
		ts)

	if len(w.points) != 1 {
		t.Fatalf("points written = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != "midi_events" {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", p.Time(), ts)
	}
	if tags := p.TagList(); len(tags) != 1 || tags[0].Key != "kind" || tags[0].Value != "note" {
		t.Errorf("TagList() = %v", tags)
	}
}

func TestWritePoint_DroppedWhenDisconnectedOrEmpty(t *testing.T) {
	c, w := newTestClient()

	c.WritePoint("midi_events", nil, nil)
	if len(w.points) != 0 {
		t.Error("point without fields should be dropped")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.WritePoint("midi_events", nil, map[string]interface{}{"v": 1})
	if len(w.points) != 0 {
		t.Error("point written while disconnected")
	}
}

func TestHandleWriteErrors(t *testing.T) {
	c, _ := newTestClient()

	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	ch := make(chan error, 1)
	ch <- errors.New("bucket not found")
	close(ch)
	c.handleWriteErrors(ch)

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}

func TestClose_FlushesOnce(t *testing.T) {
	c, w := newTestClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	c.Flush()
	if w.flushes != 1 {
		t.Error("Flush after Close should be a no-op")
	}
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}
