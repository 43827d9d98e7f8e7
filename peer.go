package peerwire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wagiedev/peerwire-go/internal/authflow"
	"github.com/wagiedev/peerwire-go/internal/session"
)

// Peer is one side of a logical connection. Both sides run the same type;
// only the handshake role differs. Either side may invoke capabilities on
// the other once the session is Ready.
//
// Peers are single-use: after Close (or a fatal transport error) every
// operation fails with ErrSessionClosed. Create a new Peer per connection.
type Peer struct {
	session *session.Session
}

// Dial opens a session as the initiating side: the transport is started,
// the handshake request is sent, and Dial returns once the session is
// Ready. The service answers requests the remote side issues; it may be nil
// for pure-client peers, in which case every inbound request is answered
// with MethodNotFound.
func Dial(ctx context.Context, tp Transport, service Service, opts ...Option) (*Peer, error) {
	return dial(ctx, tp, service, applyPeerOptions(opts))
}

func dial(ctx context.Context, tp Transport, service Service, options *peerOptions) (*Peer, error) {
	peer, sess, err := newPeer(ctx, tp, service, options)
	if err != nil {
		return nil, err
	}

	if err := sess.Connect(ctx); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return peer, nil
}

// Serve opens a session as the responding side: the engine answers the
// remote handshake and Serve returns once the session is Ready.
func Serve(ctx context.Context, tp Transport, service Service, opts ...Option) (*Peer, error) {
	peer, sess, err := newPeer(ctx, tp, service, applyPeerOptions(opts))
	if err != nil {
		return nil, err
	}

	if err := sess.Accept(ctx); err != nil {
		return nil, fmt.Errorf("serve: %w", err)
	}

	return peer, nil
}

func newPeer(ctx context.Context, tp Transport, service Service, options *peerOptions) (*Peer, *session.Session, error) {
	if options.credentials != nil {
		tp = authflow.New(options.logger, tp, options.credentials)
	}

	if err := tp.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	sess := session.New(options.logger, tp, service, options.sessionConfig())

	return &Peer{session: sess}, sess, nil
}

// Call issues a request and blocks until it resolves. The response result
// is unmarshaled into result when result is non-nil. Every call resolves
// exactly once: success, a peer-reported error, timeout, cancellation, or
// disconnect.
func (p *Peer) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	payload, err := p.session.Call(ctx, method, params, opts...)
	if err != nil {
		return err
	}

	if result == nil || len(payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}

	return nil
}

// Notify sends a fire-and-forget notification. It returns once the frame
// is written; no remote action is awaited.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	return p.session.Notify(ctx, method, params)
}

// ReportProgress emits a progress notification for the request currently
// being served. It must be called with the ctx a request handler received.
func (p *Peer) ReportProgress(ctx context.Context, progress float64, total *float64) error {
	return p.session.ReportProgress(ctx, progress, total)
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	return p.session.State()
}

// PeerCapabilities returns the capability map the remote side declared
// during the handshake. Immutable once the session is Ready.
func (p *Peer) PeerCapabilities() Capabilities {
	return p.session.PeerCapabilities()
}

// PeerInfo returns the remote side's implementation metadata.
func (p *Peer) PeerInfo() ImplementationInfo {
	return p.session.PeerInfo()
}

// NegotiatedVersion returns the protocol version agreed in the handshake.
func (p *Peer) NegotiatedVersion() string {
	return p.session.NegotiatedVersion()
}

// Done returns a channel closed when the session terminates.
func (p *Peer) Done() <-chan struct{} {
	return p.session.Done()
}

// Err returns the fatal error that terminated the session, if any.
func (p *Peer) Err() error {
	return p.session.Err()
}

// Close shuts the session down gracefully: no new outbound requests are
// accepted, in-flight work drains up to the grace deadline, then the
// transport is closed and every remaining call resolves with a disconnect
// error. Safe to call multiple times.
func (p *Peer) Close(ctx context.Context) error {
	return p.session.Close(ctx)
}

// WithPeer manages peer lifecycle with automatic cleanup.
//
// It dials the transport, executes the callback with a Ready peer, and
// ensures Close runs when the callback returns. If Close fails, a warning
// is logged but does not override the callback's error.
func WithPeer(
	ctx context.Context,
	tp Transport,
	service Service,
	fn func(*Peer) error,
	opts ...Option,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	options := applyPeerOptions(opts)

	peer, err := dial(ctx, tp, service, options)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := peer.Close(ctx); closeErr != nil {
			options.logger.Warn("failed to close peer", "error", closeErr)
		}
	}()

	return fn(peer)
}
