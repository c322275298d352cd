// Package frame reassembles fixed-width, terminator-delimited frames out of
// arbitrary stream reads.
//
// A frame is Width payload bytes followed by a single terminator byte, so the
// reassembly buffer holds exactly Width+1 bytes. Peers are not trusted to
// respect frame boundaries: a read may deliver part of a frame, or the tail of
// one frame followed by the start of the next.
//
// # Contract
//
// Feed inspects buf[:filled] after each read and returns how many bytes the
// caller should read next:
//
//   - 0: the terminator sits in the last byte, buf[:len(buf)-1] is a frame
//   - n: read n more bytes into buf[len(buf)-n:]
//
// A terminator found before the last byte ends a short frame. The bytes that
// follow it are shifted to the front of the buffer and kept as the start of
// the next frame. A full buffer without a terminator is zeroed and reported as
// ErrDesync; the stream continues.
//
// Reassembler wraps Feed with the per-connection cursor so a worker can loop:
//
//	r := frame.NewReassembler(spec)
//	for {
//	    n, err := conn.Read(r.Window())
//	    ...
//	    payload, err := r.Advance(n)
//	}
package frame
