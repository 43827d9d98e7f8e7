// Package transport defines the frame channel contract a session runs over.
package transport

import "context"

// Transport is an asynchronous, ordered, bidirectional frame channel.
// Implement this to connect a session over pipes, event streams, or
// HTTP-based channels. Implementations must preserve per-direction frame
// order; no ordering is guaranteed across directions.
//
// The in-memory Pipe implementation is provided for tests and in-process
// wiring. Concrete network transports live outside this module.
type Transport interface {
	// Start prepares the transport for communication. It is called once,
	// before any frame is sent or received.
	Start(ctx context.Context) error

	// ReadFrames returns channels yielding inbound frames and read faults.
	// The frame channel closes when the peer closes cleanly. On abnormal
	// termination the error channel yields the fault, then both close.
	ReadFrames(ctx context.Context) (<-chan []byte, <-chan error)

	// SendFrame writes one frame. It blocks while the outbound path is
	// saturated and fails with a connection fault if the channel is broken.
	// It must be safe for concurrent use.
	SendFrame(ctx context.Context, frame []byte) error

	// Close terminates the transport and releases resources. It is safe to
	// call Close multiple times.
	Close() error
}
