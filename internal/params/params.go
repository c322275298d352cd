// Package params holds the daemon-wide parameters shared by all connection
// workers, such as the output volume.
//
// The control plane is the only writer. Workers read a Snapshot before
// emitting a note and compare its Generation to notice changes.
package params

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btmidi/btmidid/internal/event"
)

// DefaultVolume is the volume until a control client sets one.
const DefaultVolume = 50

// MaxVolume is the largest accepted volume (MIDI 7-bit range).
const MaxVolume = 127

// Domain errors for the params package.
var (
	// ErrUnknownParameter is returned by Set for a name the record does not hold.
	ErrUnknownParameter = errors.New("params: unknown parameter")

	// ErrOutOfRange is returned by Set for a value outside the parameter's range.
	ErrOutOfRange = errors.New("params: value out of range")
)

// Snapshot is a point-in-time copy of the record.
type Snapshot struct {
	Volume int `json:"volume"`

	// Generation increases on every successful Set.
	Generation uint64 `json:"generation"`
}

// Record is the shared parameter record.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The lock is held only while
//     copying or updating fields.
type Record struct {
	mu         sync.Mutex
	volume     int
	generation uint64
}

// New creates a Record holding DefaultVolume.
func New() *Record {
	return &Record{volume: DefaultVolume}
}

// Volume returns the current volume.
func (r *Record) Volume() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volume
}

// Snapshot returns a copy of all parameters.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Volume: r.volume, Generation: r.generation}
}

// Set updates a named parameter.
//
// Returns:
//   - error: ErrUnknownParameter or ErrOutOfRange; the record is unchanged
func (r *Record) Set(name string, value int) error {
	switch name {
	case event.ParamVolume:
		if value < 0 || value > MaxVolume {
			return fmt.Errorf("%w: volume %d not in 0..%d", ErrOutOfRange, value, MaxVolume)
		}
		r.mu.Lock()
		r.volume = value
		r.generation++
		r.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
}

// Apply stores a decoded ParameterSetEvent.
func (r *Record) Apply(ev event.ParameterSetEvent) error {
	return r.Set(ev.Name, ev.Value)
}
