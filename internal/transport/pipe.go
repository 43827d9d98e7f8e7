package transport

import (
	"context"
	"sync"

	"github.com/wagiedev/peerwire-go/internal/rpcerr"
)

// pipeBuffer is the per-direction frame capacity of an in-memory pipe.
// Senders block once the buffer fills, which is the backpressure contract.
const pipeBuffer = 16

// Pipe returns two cross-connected in-memory endpoints. Frames sent on one
// endpoint arrive, in order, on the other. Closing either endpoint ends the
// peer's frame channel cleanly; Break surfaces a fault instead.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)

	a := &PipeEnd{out: ab, in: ba, closed: make(chan struct{})}
	b := &PipeEnd{out: ba, in: ab, closed: make(chan struct{})}
	a.peer, b.peer = b, a

	return a, b
}

// PipeEnd is one endpoint of an in-memory duplex frame channel.
type PipeEnd struct {
	out  chan []byte
	in   chan []byte
	peer *PipeEnd

	mu     sync.Mutex
	done   bool
	fault  error
	closed chan struct{}
}

// Start implements Transport. Pipes need no setup.
func (p *PipeEnd) Start(_ context.Context) error {
	return nil
}

// ReadFrames implements Transport. Frames already buffered when the peer
// closes are still delivered before the channel ends.
func (p *PipeEnd) ReadFrames(ctx context.Context) (<-chan []byte, <-chan error) {
	frames := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		for {
			select {
			case f := <-p.in:
				select {
				case frames <- f:
				case <-p.closed:
					return
				case <-ctx.Done():
					return
				}

			case <-p.peer.closed:
				// Sender is gone. Drain what it already wrote, then
				// surface the fault if the close was abnormal.
				for {
					select {
					case f := <-p.in:
						select {
						case frames <- f:
						case <-p.closed:
							return
						case <-ctx.Done():
							return
						}
					default:
						if fault := p.peer.takeFault(); fault != nil {
							errs <- fault
						}

						return
					}
				}

			case <-p.closed:
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, errs
}

// SendFrame implements Transport. It blocks while the peer's inbound buffer
// is full.
func (p *PipeEnd) SendFrame(ctx context.Context, frame []byte) error {
	// Copy: the caller may reuse the slice after we return.
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-p.closed:
		return &rpcerr.TransportError{Op: "send", Err: rpcerr.ErrTransportClosed}
	case <-p.peer.closed:
		return &rpcerr.TransportError{Op: "send", Err: rpcerr.ErrTransportClosed}
	default:
	}

	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return &rpcerr.TransportError{Op: "send", Err: rpcerr.ErrTransportClosed}
	case <-p.peer.closed:
		return &rpcerr.TransportError{Op: "send", Err: rpcerr.ErrTransportClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the endpoint. The peer observes a clean end of stream
// after draining frames already in flight.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return nil
	}

	p.done = true
	close(p.closed)

	return nil
}

// Break terminates the endpoint abnormally: the peer observes err as a
// connection fault instead of a clean close.
func (p *PipeEnd) Break(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return
	}

	p.done = true
	p.fault = &rpcerr.TransportError{Op: "read", Err: err}
	close(p.closed)
}

func (p *PipeEnd) takeFault() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fault := p.fault
	p.fault = nil

	return fault
}
