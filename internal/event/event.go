package event

import (
	"encoding/hex"
	"fmt"
)

// Kind identifies the concrete type of an Event.
type Kind string

// Event kinds.
const (
	KindNote          Kind = "note"
	KindProgramChange Kind = "program_change"
	KindParameterSet  Kind = "parameter_set"
)

// Parameter names accepted by ParameterSetEvent.
const (
	ParamVolume = "volume"
)

// Event is a decoded input ready for an output sink.
// The set of implementations is closed to this package.
type Event interface {
	Kind() Kind
	isEvent()
}

// NoteEvent starts or stops a note. A velocity of zero means note-off.
type NoteEvent struct {
	// Type is the raw type byte of the frame. Senders always use note-on;
	// the byte is kept for telemetry only.
	Type     uint8 `json:"type"`
	Channel  uint8 `json:"channel"`
	Note     uint8 `json:"note"`
	Velocity uint8 `json:"velocity"`
}

// Kind implements Event.
func (NoteEvent) Kind() Kind { return KindNote }
func (NoteEvent) isEvent()   {}

// ProgramChangeEvent selects the instrument on a channel.
type ProgramChangeEvent struct {
	Channel int `json:"channel"`
	Program int `json:"program"`
}

// Kind implements Event.
func (ProgramChangeEvent) Kind() Kind { return KindProgramChange }
func (ProgramChangeEvent) isEvent()   {}

// ParameterSetEvent updates a shared daemon parameter such as the volume.
type ParameterSetEvent struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Kind implements Event.
func (ParameterSetEvent) Kind() Kind { return KindParameterSet }
func (ParameterSetEvent) isEvent()   {}

// noteFrameBytes is the number of bytes encoded in a note frame.
const noteFrameBytes = 4

// DecodeFrame decodes a note frame payload.
//
// The first eight characters are read as four hex pairs
// [type, channel, note, velocity]; anything after them is ignored. A channel
// of zero forces the velocity to zero regardless of the encoded value.
//
// Returns:
//   - NoteEvent: the decoded note
//   - error: ErrMalformedFrame if the payload is short or not hex
func DecodeFrame(payload []byte) (NoteEvent, error) {
	if len(payload) < noteFrameBytes*2 {
		return NoteEvent{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(payload), noteFrameBytes*2)
	}

	var raw [noteFrameBytes]byte
	if _, err := hex.Decode(raw[:], payload[:noteFrameBytes*2]); err != nil {
		return NoteEvent{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	ev := NoteEvent{
		Type:     raw[0],
		Channel:  raw[1],
		Note:     raw[2],
		Velocity: raw[3],
	}
	if ev.Channel == 0 {
		ev.Velocity = 0
	}
	return ev, nil
}
