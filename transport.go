package peerwire

import "github.com/wagiedev/peerwire-go/internal/transport"

// Transport is the frame channel a peer runs over. Implement this to
// connect peers over pipes, event streams, or HTTP-based channels; the
// engine only requires ordered, bidirectional frame delivery with
// observable closure.
type Transport = transport.Transport

// PipeEnd is one endpoint of an in-memory duplex frame channel.
type PipeEnd = transport.PipeEnd

// Pipe returns two cross-connected in-memory transport endpoints. Useful
// for tests and for wiring two peers inside one process.
func Pipe() (*PipeEnd, *PipeEnd) {
	return transport.Pipe()
}
