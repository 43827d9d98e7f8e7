package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wagiedev/peerwire-go/internal/rpcerr"
	"github.com/wagiedev/peerwire-go/internal/transport"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

const (
	// defaultRequestTimeout bounds calls that carry no explicit deadline.
	defaultRequestTimeout = 60 * time.Second

	// defaultShutdownGrace is how long Close waits for in-flight work to
	// drain before failing what remains.
	defaultShutdownGrace = 5 * time.Second

	// drainPollInterval is how often Close re-checks the drain condition.
	drainPollInterval = 10 * time.Millisecond
)

// Service answers inbound traffic for a session. Dispatch is concurrent:
// the engine never serializes handler invocations, so implementations must
// synchronize any state they share.
//
// HandleRequest may return rpcerr.ErrMethodNotFound or a *wire.Error to
// control the response error code; any other error becomes an InternalError
// response. HandleNotification errors are logged and never answered.
type Service interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage) error
}

// EndObserver is optionally implemented by Services that hold per-session
// resources. OnSessionEnd is called exactly once, after the session is
// closed and every pending call has been resolved.
type EndObserver interface {
	OnSessionEnd(err error)
}

// Config carries the session's negotiation inputs and timing policy.
type Config struct {
	// ProtocolVersion defaults to wire.ProtocolVersion.
	ProtocolVersion string

	// Capabilities declared to the peer during the handshake.
	Capabilities wire.Capabilities

	// Info identifies this implementation for diagnostics.
	Info wire.ImplementationInfo

	// RequestTimeout bounds calls without an explicit per-call timeout.
	RequestTimeout time.Duration

	// ShutdownGrace bounds the drain phase of a graceful Close.
	ShutdownGrace time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}

	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = wire.ProtocolVersion
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	return cfg
}

// Session owns one connection's protocol state: the pending-call table, the
// id allocator, the lifecycle machine, and the routing of inbound frames to
// waiting callers or the hosted service. Both sides of a connection run the
// same type; only the handshake role differs.
type Session struct {
	log       *slog.Logger
	transport transport.Transport
	service   Service
	cfg       Config

	states *stateMachine

	// Outbound requests awaiting resolution, keyed by id.
	pending *xsync.MapOf[string, *pendingCall]

	// Inbound requests currently being handled, keyed by id. Cancellation
	// notifications resolve against this table.
	inFlight *xsync.MapOf[string, *inFlightRequest]

	// Ids of calls resolved locally (timeout, cancellation) whose response
	// may still arrive. A late response for one of these is dropped instead
	// of being treated as a violation. Entries are removed when the late
	// response arrives or when the session ends.
	abandoned *xsync.MapOf[string, struct{}]

	// Per-call progress handlers keyed by outbound request id.
	progressMu sync.RWMutex
	progress   map[string]func(wire.ProgressParams)

	// Negotiated peer identity, written once before Ready.
	peerMu      sync.RWMutex
	peerVersion string
	peerCaps    wire.Capabilities
	peerInfo    wire.ImplementationInfo

	ready     chan struct{}
	readyOnce sync.Once

	errMu    sync.RWMutex
	fatalErr error

	closeOnce sync.Once
	done      chan struct{}
	endOnce   sync.Once
	wg        sync.WaitGroup
}

// pendingCall is the completion handle for one outstanding outbound request.
// Whoever removes the table entry owns the resolution; the result channel is
// 1-buffered so the owner never blocks.
type pendingCall struct {
	method string
	result chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// inFlightRequest tracks an inbound request being handled.
type inFlightRequest struct {
	method string
	cancel context.CancelFunc
}

// New creates a session over a started transport. Call Connect (initiator)
// or Accept (responder) before issuing application traffic.
func New(log *slog.Logger, tp transport.Transport, service Service, cfg *Config) *Session {
	return &Session{
		log:       log.With("component", "session"),
		transport: tp,
		service:   service,
		cfg:       cfg.withDefaults(),
		states:    newStateMachine(),
		pending:   xsync.NewMapOf[string, *pendingCall](),
		inFlight:  xsync.NewMapOf[string, *inFlightRequest](),
		abandoned: xsync.NewMapOf[string, struct{}](),
		progress:  make(map[string]func(wire.ProgressParams), 4),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.states.current()
}

// Done returns a channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that terminated the session, if any.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()

	return s.fatalErr
}

// PeerCapabilities returns the capability map the peer declared during the
// handshake. Immutable after Ready.
func (s *Session) PeerCapabilities() wire.Capabilities {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()

	return s.peerCaps.Clone()
}

// PeerInfo returns the peer's implementation metadata.
func (s *Session) PeerInfo() wire.ImplementationInfo {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()

	return s.peerInfo
}

// NegotiatedVersion returns the protocol version agreed in the handshake.
func (s *Session) NegotiatedVersion() string {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()

	return s.peerVersion
}

// CallOption adjusts a single outbound request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	progress func(wire.ProgressParams)
}

// WithCallTimeout overrides the session's default request timeout.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithProgress registers a handler for progress notifications the peer
// emits while working on this request.
func WithProgress(fn func(wire.ProgressParams)) CallOption {
	return func(o *callOptions) {
		o.progress = fn
	}
}

// Call issues a request and blocks until it resolves: a response from the
// peer, the per-call timeout, caller cancellation, or disconnect. Every call
// resolves exactly once.
func (s *Session) Call(
	ctx context.Context,
	method string,
	params any,
	opts ...CallOption,
) (json.RawMessage, error) {
	if err := s.gateOutbound(method); err != nil {
		return nil, err
	}

	options := callOptions{timeout: s.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	id := s.nextID()
	call := &pendingCall{
		method: method,
		result: make(chan callResult, 1),
	}
	s.pending.Store(id.String(), call)

	if options.progress != nil {
		s.registerProgress(id.String(), options.progress)
		defer s.unregisterProgress(id.String())
	}

	s.log.Debug("Sending request", "id", id, "method", method)

	env, err := wire.NewRequest(id, method, params)
	if err != nil {
		s.pending.Delete(id.String())

		return nil, err
	}

	if err := s.writeEnvelope(ctx, env); err != nil {
		s.pending.Delete(id.String())

		return nil, err
	}

	timer := time.NewTimer(options.timeout)
	defer timer.Stop()

	select {
	case res := <-call.result:
		if res.err != nil {
			s.log.Debug("Request resolved with error", "id", id, "method", method, "error", res.err)

			return nil, res.err
		}

		s.log.Debug("Request resolved", "id", id, "method", method)

		return res.payload, nil

	case <-timer.C:
		if !s.abandon(ctx, id, "timeout") {
			// Response raced in just before the deadline.
			res := <-call.result

			return res.payload, res.err
		}

		s.log.Warn("Request timed out", "id", id, "method", method, "timeout", options.timeout)

		return nil, fmt.Errorf("%w: %s after %s", rpcerr.ErrRequestTimeout, method, options.timeout)

	case <-ctx.Done():
		if !s.abandon(ctx, id, "caller cancelled") {
			res := <-call.result

			return res.payload, res.err
		}

		s.log.Debug("Request cancelled by caller", "id", id, "method", method)

		return nil, fmt.Errorf("%w: %s (%v)", rpcerr.ErrRequestCancelled, method, ctx.Err())

	case <-s.done:
		if _, owned := s.pending.LoadAndDelete(id.String()); !owned {
			res := <-call.result

			return res.payload, res.err
		}

		return nil, s.disconnectError()
	}
}

// abandon resolves an outbound call locally: it claims the pending entry,
// remembers the id so a late response is tolerated, and emits a best-effort
// cancellation notification to the peer. It reports false when the entry was
// already claimed by an arriving response.
func (s *Session) abandon(ctx context.Context, id *wire.ID, reason string) bool {
	if _, owned := s.pending.LoadAndDelete(id.String()); !owned {
		return false
	}

	s.abandoned.Store(id.String(), struct{}{})

	// Best effort: the peer may already be gone. The caller's ctx may be
	// the reason we are abandoning, so it cannot gate the send.
	env, err := wire.NewNotification(wire.MethodCancelled, wire.CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err == nil {
		if err := s.writeEnvelope(context.WithoutCancel(ctx), env); err != nil {
			s.log.Debug("Could not send cancellation notification", "id", id, "error", err)
		}
	}

	return true
}

// Notify writes an id-less envelope. It returns once the frame is written;
// no peer action is awaited.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := s.gateOutbound(method); err != nil {
		return err
	}

	env, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}

	s.log.Debug("Sending notification", "method", method)

	return s.writeEnvelope(ctx, env)
}

// gateOutbound enforces the lifecycle policy on the outbound path.
// Handshake methods are exempt while the handshake is in flight.
func (s *Session) gateOutbound(method string) error {
	switch s.states.current() {
	case StateReady:
		return nil
	case StateClosed:
		return rpcerr.ErrSessionClosed
	case StateShuttingDown:
		if isShutdownMethod(method) {
			return nil
		}

		return rpcerr.ErrShuttingDown
	default:
		if isHandshakeMethod(method) {
			return nil
		}

		return rpcerr.ErrSessionNotReady
	}
}

func isHandshakeMethod(method string) bool {
	return method == wire.MethodInitialize || method == wire.MethodInitialized
}

func isShutdownMethod(method string) bool {
	return method == wire.MethodShutdown || method == wire.MethodCancelled
}

func (s *Session) nextID() *wire.ID {
	return wire.StringID(ulid.Make().String())
}

func (s *Session) writeEnvelope(ctx context.Context, env *wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := s.transport.SendFrame(ctx, data); err != nil {
		return &rpcerr.TransportError{Op: "send", Err: err}
	}

	return nil
}

// start begins draining inbound frames. It is invoked by Connect and Accept.
func (s *Session) start(ctx context.Context) {
	frames, errs := s.transport.ReadFrames(ctx)

	s.wg.Add(1)

	go s.readLoop(ctx, frames, errs)
}

// readLoop is the single inbound-drain task. It decodes each frame and
// routes it to a waiting caller or to dispatch.
func (s *Session) readLoop(ctx context.Context, frames <-chan []byte, errs <-chan error) {
	defer s.wg.Done()
	defer s.log.Debug("Read loop stopped")

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				// Clean close. A fault may still be queued behind the
				// frame channel closing; prefer it if present.
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						s.terminate(err)

						return
					}
				default:
				}

				s.log.Debug("Transport closed by peer")
				s.terminate(nil)

				return
			}

			s.handleFrame(ctx, frame)

		case err, ok := <-errs:
			if !ok {
				s.terminate(nil)

				return
			}

			if err != nil {
				s.log.Debug("Transport fault", "error", err)
				s.terminate(err)

				return
			}

		case <-s.done:
			return

		case <-ctx.Done():
			s.terminate(ctx.Err())

			return
		}
	}
}

// handleFrame decodes one inbound frame and routes by kind.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.violation(ctx, nil, fmt.Sprintf("undecodable frame: %v", err), frame)

		return
	}

	switch env.Kind() {
	case wire.KindResponse:
		s.handleResponse(ctx, &env)
	case wire.KindRequest:
		s.handleRequest(ctx, &env)
	case wire.KindNotification:
		s.handleNotification(ctx, &env)
	}
}

// handleResponse resolves the pending call matching the response id.
// Lookup is solely by id: out-of-order responses route correctly.
func (s *Session) handleResponse(ctx context.Context, env *wire.Envelope) {
	key := env.ID.String()

	call, owned := s.pending.LoadAndDelete(key)
	if !owned {
		if _, late := s.abandoned.LoadAndDelete(key); late {
			s.log.Debug("Dropping response for abandoned call", "id", env.ID)

			return
		}

		s.violation(ctx, nil, fmt.Sprintf("response for unknown request id %s", env.ID), nil)

		return
	}

	if env.Error != nil {
		respErr := &rpcerr.ResponseError{
			Code:    int(env.Error.Code),
			Message: env.Error.Message,
			Data:    env.Error.Data,
		}

		var err error = respErr

		// An auth rejection reaching this point is final: the decorator
		// either was not installed or already spent its retry.
		if env.Error.Code == wire.CodeAuthRequired {
			err = &rpcerr.AuthError{Message: env.Error.Message, Err: respErr}
		}

		call.result <- callResult{err: err}

		return
	}

	call.result <- callResult{payload: env.Result}
}

// violation handles a protocol violation: best-effort error response when
// the offending frame had an id, then reject-and-close.
func (s *Session) violation(ctx context.Context, id *wire.ID, reason string, raw []byte) {
	s.log.Warn("Protocol violation", "reason", reason)

	if !id.IsNil() {
		resp := wire.NewErrorResponse(id, wire.CodeInvalidRequest, reason, nil)
		if err := s.writeEnvelope(ctx, resp); err != nil {
			s.log.Debug("Could not send violation response", "error", err)
		}
	}

	s.terminate(&rpcerr.ProtocolViolationError{Reason: reason, Raw: raw})
}

// disconnectError is the single error every remaining pending call resolves
// with when the session terminates.
func (s *Session) disconnectError() error {
	if err := s.Err(); err != nil {
		return err
	}

	return rpcerr.ErrSessionClosed
}

// Close shuts the session down gracefully: stop accepting new outbound
// requests, let in-flight work drain up to the grace deadline, then
// terminate. Safe to call multiple times.
func (s *Session) Close(ctx context.Context) error {
	if s.states.compareAndTransition(StateReady, StateShuttingDown) {
		s.log.Debug("Session shutting down")

		// Tell the peer to stop initiating work. Best effort.
		env, err := wire.NewNotification(wire.MethodShutdown, nil)
		if err == nil {
			if err := s.writeEnvelope(ctx, env); err != nil {
				s.log.Debug("Could not send shutdown notification", "error", err)
			}
		}

		s.awaitDrain(ctx)
	}

	s.terminate(nil)
	s.wg.Wait()

	return nil
}

// awaitDrain blocks until no calls are pending in either direction, the
// grace deadline passes, or the session dies underneath us.
func (s *Session) awaitDrain(ctx context.Context) {
	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if s.pending.Size() == 0 && s.inFlight.Size() == 0 {
			return
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			s.log.Debug("Shutdown grace deadline expired",
				"pending", s.pending.Size(), "in_flight", s.inFlight.Size())

			return
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// terminate moves the session to Closed exactly once: every remaining
// pending call resolves with one consistent disconnect error, in-flight
// handlers are cancelled, and the service is notified.
func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.errMu.Lock()
			s.fatalErr = err
			s.errMu.Unlock()
		}

		s.states.transition(StateClosed)
		close(s.done)

		disconnect := s.disconnectError()

		s.pending.Range(func(key string, _ *pendingCall) bool {
			if call, owned := s.pending.LoadAndDelete(key); owned {
				call.result <- callResult{err: disconnect}
			}

			return true
		})

		s.inFlight.Range(func(_ string, op *inFlightRequest) bool {
			op.cancel()

			return true
		})

		s.abandoned.Clear()

		if err := s.transport.Close(); err != nil {
			s.log.Debug("Transport close failed", "error", err)
		}

		if observer, ok := s.service.(EndObserver); ok {
			s.endOnce.Do(func() {
				observer.OnSessionEnd(err)
			})
		}

		s.log.Debug("Session closed", "error", err)
	})
}

func (s *Session) registerProgress(key string, fn func(wire.ProgressParams)) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	s.progress[key] = fn
}

func (s *Session) unregisterProgress(key string) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	delete(s.progress, key)
}

func (s *Session) lookupProgress(key string) func(wire.ProgressParams) {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()

	return s.progress[key]
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
