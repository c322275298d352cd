// Package dispatch runs the accept loops and per-connection workers.
//
// Each accepted connection must win a slot in the shared slot table; a
// connection that finds every slot busy is closed at once. An admitted
// connection gets its own goroutine running the worker state machine:
//
//	Init -> PortsBound -> Streaming -> Closing -> Done
//
// Init opens a sink session, PortsBound binds it to the output ports,
// Streaming reassembles frames from the connection and emits one note event
// per frame, and Closing releases the slot, the connection and the session.
// Failures in one worker never reach another worker or the accept loop.
//
// Shutdown waits for workers to finish on their own; when its context
// expires the remaining connections are closed so that blocked reads return.
package dispatch
