package frame

import (
	"bytes"
	"fmt"
	"strings"
)

// Terminator bytes used by the supported protocol revisions.
const (
	// TermNUL ends frames on the original radio protocol.
	TermNUL byte = 0x00

	// TermNewline ends frames on the serial line and the later radio revision.
	TermNewline byte = '\n'
)

// DefaultWidth is the payload width of a note frame: four hex byte pairs.
const DefaultWidth = 8

// Spec describes the framing used on one transport.
type Spec struct {
	// Width is the number of payload bytes before the terminator.
	Width int

	// Terminator ends every frame.
	Terminator byte
}

// DefaultSpec returns the NUL-terminated 8-character framing.
func DefaultSpec() Spec {
	return Spec{Width: DefaultWidth, Terminator: TermNUL}
}

// Capacity returns the buffer size needed for one frame.
func (s Spec) Capacity() int {
	return s.Width + 1
}

// Validate checks the spec can describe a frame.
func (s Spec) Validate() error {
	if s.Width < 1 {
		return fmt.Errorf("%w: width %d", ErrInvalidSpec, s.Width)
	}
	return nil
}

// ParseTerminator maps a configuration name to a terminator byte.
//
// Accepted names are "nul" and "newline" (also "lf" and "\n").
func ParseTerminator(name string) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nul", "null", "zero":
		return TermNUL, nil
	case "newline", "lf", `\n`:
		return TermNewline, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTerminator, name)
	}
}

// Feed processes buf[:filled] after a read and returns the number of bytes
// still needed for a complete frame. len(buf) is the frame capacity.
//
// It returns 0 when buf holds a complete frame (terminator in the last byte).
// The caller consumes buf[:len(buf)-1] and starts over with filled = 0.
//
// When the first terminator sits earlier, the bytes after it are moved to the
// start of buf, the rest of buf is zeroed and len(buf) minus the number of
// moved bytes is returned. When buf is full and holds no terminator, buf is
// zeroed and len(buf) is returned together with ErrDesync.
func Feed(buf []byte, filled int, term byte) (int, error) {
	size := len(buf)
	if size == 0 || filled < 0 || filled > size {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidFill, filled, size)
	}

	i := bytes.IndexByte(buf[:filled], term)
	switch {
	case i == size-1:
		return 0, nil
	case i >= 0:
		n := copy(buf, buf[i+1:filled])
		clear(buf[n:])
		return size - n, nil
	case filled == size:
		clear(buf)
		return size, ErrDesync
	default:
		return size - filled, nil
	}
}

// Reassembler holds the per-connection frame buffer and write cursor.
//
// Thread Safety:
//   - Not safe for concurrent use. Each connection owns one Reassembler.
type Reassembler struct {
	buf    []byte
	filled int
	term   byte
}

// NewReassembler creates a Reassembler for the given framing.
// A spec that fails Validate falls back to DefaultSpec.
func NewReassembler(spec Spec) *Reassembler {
	if spec.Validate() != nil {
		spec = DefaultSpec()
	}
	return &Reassembler{
		buf:  make([]byte, spec.Capacity()),
		term: spec.Terminator,
	}
}

// Window returns the slice the next read must fill. Its length is exactly the
// number of bytes still needed, so a read never crosses a frame boundary.
func (r *Reassembler) Window() []byte {
	return r.buf[r.filled:]
}

// Buffered returns the number of bytes held for the frame in progress.
func (r *Reassembler) Buffered() int {
	return r.filled
}

// Advance records n bytes read into Window and returns the completed frame
// payload, or nil when more bytes are needed. The returned slice is a copy.
//
// ErrDesync is returned when the buffer filled without a terminator; the
// buffer has been reset and the next Window starts a fresh frame.
func (r *Reassembler) Advance(n int) ([]byte, error) {
	if n < 0 || r.filled+n > len(r.buf) {
		return nil, fmt.Errorf("%w: advance %d with %d buffered", ErrInvalidFill, n, r.filled)
	}
	r.filled += n

	for {
		need, err := Feed(r.buf, r.filled, r.term)
		if err != nil {
			r.filled = 0
			return nil, err
		}

		if need == 0 {
			payload := make([]byte, len(r.buf)-1)
			copy(payload, r.buf)
			clear(r.buf)
			r.filled = 0
			return payload, nil
		}

		prev := r.filled
		r.filled = len(r.buf) - need

		// A shift may leave another terminator in the kept tail. Keep
		// consuming until the buffer holds no terminator, so the next read
		// never waits on bytes that have already arrived.
		if r.filled == prev || bytes.IndexByte(r.buf[:r.filled], r.term) < 0 {
			return nil, nil
		}
	}
}

// Reset discards any partial frame.
func (r *Reassembler) Reset() {
	clear(r.buf)
	r.filled = 0
}
