package params

import (
	"errors"
	"sync"
	"testing"

	"github.com/btmidi/btmidid/internal/event"
)

func TestNewDefaults(t *testing.T) {
	r := New()
	if got := r.Volume(); got != DefaultVolume {
		t.Errorf("Volume() = %d, want %d", got, DefaultVolume)
	}
	if got := r.Snapshot().Generation; got != 0 {
		t.Errorf("Generation = %d, want 0", got)
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		name    string
		param   string
		value   int
		want    int
		wantErr error
	}{
		{name: "volume", param: event.ParamVolume, value: 75, want: 75},
		{name: "volume zero", param: event.ParamVolume, value: 0, want: 0},
		{name: "volume max", param: event.ParamVolume, value: MaxVolume, want: MaxVolume},
		{name: "volume negative", param: event.ParamVolume, value: -1, want: DefaultVolume, wantErr: ErrOutOfRange},
		{name: "volume too large", param: event.ParamVolume, value: 128, want: DefaultVolume, wantErr: ErrOutOfRange},
		{name: "unknown parameter", param: "tempo", value: 120, want: DefaultVolume, wantErr: ErrUnknownParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := r.Set(tt.param, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Set(%q, %d) error = %v, want %v", tt.param, tt.value, err, tt.wantErr)
			}
			if got := r.Volume(); got != tt.want {
				t.Errorf("Volume() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApplyBumpsGeneration(t *testing.T) {
	r := New()
	before := r.Snapshot()

	if err := r.Apply(event.ParameterSetEvent{Name: event.ParamVolume, Value: 90}); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	after := r.Snapshot()
	if after.Generation <= before.Generation {
		t.Errorf("Generation %d did not advance from %d", after.Generation, before.Generation)
	}
	if after.Volume != 90 {
		t.Errorf("Volume = %d, want 90", after.Volume)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(v int) {
			defer wg.Done()
			_ = r.Set(event.ParamVolume, v)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	if got := r.Snapshot().Generation; got != 50 {
		t.Errorf("Generation = %d, want 50", got)
	}
}
