// Package transport provides the stream listeners that feed the dispatcher.
//
// Three sources produce connections:
//   - RFCOMM: a Bluetooth stream socket bound to a channel (Linux only)
//   - Stream: a tcp:// or unix:// listener carrying the same framing, for
//     setups without a radio adapter
//   - Serial: a character device exposed as a listener that yields one
//     connection at a time and reopens the device once it is released
//
// Every listener returns ErrListenerClosed from Accept after Close, which
// is how accept loops learn to stop.
package transport
