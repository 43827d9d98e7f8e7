// Package peerwire implements the runtime core of a bidirectional RPC
// protocol: either side of a connection may invoke capabilities on the
// other, with calls, responses, and fire-and-forget notifications
// multiplexed over a single logical connection.
//
// The engine owns message correlation, the handshake and shutdown state
// machine, cancellation and progress routing, and the Transport contract
// concrete channels must satisfy. Concrete network transports and the
// capabilities exposed by a service live outside this module.
//
// # Connecting
//
// One side dials, the other serves; after the handshake the roles are
// symmetric:
//
//	a, b := peerwire.Pipe()
//
//	registry := peerwire.NewRegistry()
//	registry.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return json.RawMessage(params), nil
//	})
//
//	go func() {
//	    responder, err := peerwire.Serve(ctx, b, registry,
//	        peerwire.WithImplementationInfo("echo-server", "1.0.0"),
//	    )
//	    // ...
//	    _ = responder
//	    _ = err
//	}()
//
//	initiator, err := peerwire.Dial(ctx, a, nil,
//	    peerwire.WithImplementationInfo("echo-client", "1.0.0"),
//	    peerwire.WithCapabilities(peerwire.Capabilities{"tools": true}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer initiator.Close(ctx)
//
//	var result map[string]string
//	err = initiator.Call(ctx, "echo", map[string]string{"text": "hi"}, &result)
//
// # Cancellation and timeouts
//
// Caller context cancellation resolves the call locally with
// ErrRequestCancelled and emits a best-effort cancellation notification to
// the remote side, whose in-flight handler observes its context being
// cancelled. Timeouts behave identically but resolve with
// ErrRequestTimeout.
//
// # Error handling
//
// Every issued call resolves exactly once. Call-scoped failures
// (ResponseError, timeout, cancellation) affect only that call;
// connection-scoped failures (TransportError, ProtocolViolationError)
// terminate the session and resolve every remaining call with one
// consistent disconnect error. Check errors with errors.Is and errors.As:
//
//	err := peer.Call(ctx, "slow", nil, nil, peerwire.WithCallTimeout(time.Second))
//	if errors.Is(err, peerwire.ErrRequestTimeout) {
//	    // the call timed out; the session is still usable
//	}
//
// # Authentication
//
// WithCredentials wraps the outbound path: each request carries the current
// credential, and a request the remote side rejects for a stale credential
// is retried exactly once after a single-flight refresh.
package peerwire
