// Package event turns reassembled frames and control lines into typed events.
//
// Two input formats are decoded:
//
//   - Note frames from the radio link and the serial line: eight ASCII hex
//     characters encoding [type, channel, note, velocity]. DecodeFrame returns
//     a NoteEvent. A channel byte of zero forces the velocity to zero, which
//     the remote senders use to mean note-off.
//   - Text commands from the control socket, such as
//     "volume:75,EMPTY_PARA_1:0,EMPTY_PARA_2:0,EMPTY_PARA_3:0". A
//     CommandTable matches each line against an ordered list of templates and
//     the first template that extracts its full parameter count wins.
//
// Every decoded value implements Event, so sinks can switch on the concrete
// type without a shared struct carrying unused fields.
package event
