package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/peerwire-go/internal/rpcerr"
	"github.com/wagiedev/peerwire-go/internal/transport"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

const testTimeout = 2 * time.Second

// rawPeer drives one end of a pipe with hand-built frames, playing the
// remote side of the session under test.
type rawPeer struct {
	t      *testing.T
	end    *transport.PipeEnd
	frames <-chan []byte
	errs   <-chan error
}

func newRawPeer(t *testing.T, end *transport.PipeEnd) *rawPeer {
	t.Helper()

	frames, errs := end.ReadFrames(context.Background())

	return &rawPeer{t: t, end: end, frames: frames, errs: errs}
}

func (r *rawPeer) recv() *wire.Envelope {
	r.t.Helper()

	select {
	case frame, ok := <-r.frames:
		require.True(r.t, ok, "transport closed while expecting a frame")

		var env wire.Envelope
		require.NoError(r.t, json.Unmarshal(frame, &env))

		return &env
	case <-time.After(testTimeout):
		r.t.Fatal("timed out waiting for a frame")

		return nil
	}
}

func (r *rawPeer) send(env *wire.Envelope) {
	r.t.Helper()

	data, err := json.Marshal(env)
	require.NoError(r.t, err)
	require.NoError(r.t, r.end.SendFrame(context.Background(), data))
}

func (r *rawPeer) sendResult(id *wire.ID, result any) {
	r.t.Helper()

	env, err := wire.NewResultResponse(id, result)
	require.NoError(r.t, err)
	r.send(env)
}

func (r *rawPeer) sendNotification(method string, params any) {
	r.t.Helper()

	env, err := wire.NewNotification(method, params)
	require.NoError(r.t, err)
	r.send(env)
}

func (r *rawPeer) sendRequest(id *wire.ID, method string, params any) {
	r.t.Helper()

	env, err := wire.NewRequest(id, method, params)
	require.NoError(r.t, err)
	r.send(env)
}

// answerHandshake plays the responder: answer initialize, consume the
// acknowledgement.
func (r *rawPeer) answerHandshake(caps wire.Capabilities) {
	r.t.Helper()

	env := r.recv()
	require.Equal(r.t, wire.KindRequest, env.Kind())
	require.Equal(r.t, wire.MethodInitialize, env.Method)

	var params wire.InitializeParams
	require.NoError(r.t, json.Unmarshal(env.Params, &params))

	r.sendResult(env.ID, wire.InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      wire.ImplementationInfo{Name: "raw-responder", Version: "0.0.1"},
	})

	ack := r.recv()
	require.Equal(r.t, wire.KindNotification, ack.Kind())
	require.Equal(r.t, wire.MethodInitialized, ack.Method)
}

// initiateHandshake plays the initiator against a responding session.
func (r *rawPeer) initiateHandshake(caps wire.Capabilities) {
	r.t.Helper()

	r.sendRequest(wire.StringID("init-1"), wire.MethodInitialize, wire.InitializeParams{
		ProtocolVersion: wire.ProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      wire.ImplementationInfo{Name: "raw-initiator", Version: "0.0.1"},
	})

	resp := r.recv()
	require.Equal(r.t, wire.KindResponse, resp.Kind())
	require.Nil(r.t, resp.Error)

	r.sendNotification(wire.MethodInitialized, nil)
}

// testService is a scripted Service used across the session tests.
type testService struct {
	requests      atomic.Int32
	notifications atomic.Int32

	slowStarted   chan struct{}
	slowCancelled chan struct{}

	endMu  sync.Mutex
	endErr []error
}

func newTestService() *testService {
	return &testService{
		slowStarted:   make(chan struct{}, 8),
		slowCancelled: make(chan struct{}, 8),
	}
}

func (s *testService) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.requests.Add(1)

	switch method {
	case "echo":
		return json.RawMessage(params), nil

	case "slow":
		s.slowStarted <- struct{}{}

		select {
		case <-ctx.Done():
			s.slowCancelled <- struct{}{}

			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return "too late", nil
		}

	case "fail":
		return nil, errors.New("kaput")

	case "explode":
		panic("boom")

	default:
		return nil, rpcerr.ErrMethodNotFound
	}
}

func (s *testService) HandleNotification(_ context.Context, method string, _ json.RawMessage) error {
	s.notifications.Add(1)

	if method == "note/fail" {
		return errors.New("notification handler failed")
	}

	return nil
}

func (s *testService) OnSessionEnd(err error) {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	s.endErr = append(s.endErr, err)
}

func (s *testService) sessionEnds() []error {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	return append([]error(nil), s.endErr...)
}

// dialSession connects a session as initiator against a raw responder.
func dialSession(t *testing.T, svc Service, cfg *Config) (*Session, *rawPeer) {
	t.Helper()

	local, remote := transport.Pipe()
	sess := New(slog.Default(), local, svc, cfg)
	raw := newRawPeer(t, remote)

	connected := make(chan error, 1)

	go func() {
		connected <- sess.Connect(context.Background())
	}()

	raw.answerHandshake(wire.Capabilities{"tools": true})

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("handshake did not complete")
	}

	return sess, raw
}

// serveSession accepts a session as responder against a raw initiator.
func serveSession(t *testing.T, svc Service, cfg *Config) (*Session, *rawPeer) {
	t.Helper()

	local, remote := transport.Pipe()
	sess := New(slog.Default(), local, svc, cfg)
	raw := newRawPeer(t, remote)

	accepted := make(chan error, 1)

	go func() {
		accepted <- sess.Accept(context.Background())
	}()

	raw.initiateHandshake(wire.Capabilities{"tools": true})

	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("handshake did not complete")
	}

	return sess, raw
}

func TestSession_Handshake_Initiator(t *testing.T) {
	sess, _ := dialSession(t, nil, &Config{
		Capabilities: wire.Capabilities{"sampling": true},
		Info:         wire.ImplementationInfo{Name: "initiator", Version: "1.2.3"},
	})
	defer sess.Close(context.Background())

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, wire.ProtocolVersion, sess.NegotiatedVersion())
	assert.True(t, sess.PeerCapabilities().Enabled("tools"))
	assert.Equal(t, "raw-responder", sess.PeerInfo().Name)
}

func TestSession_Handshake_Responder(t *testing.T) {
	sess, _ := serveSession(t, newTestService(), &Config{
		Info: wire.ImplementationInfo{Name: "responder", Version: "1.0.0"},
	})
	defer sess.Close(context.Background())

	assert.Equal(t, StateReady, sess.State())
	assert.True(t, sess.PeerCapabilities().Enabled("tools"))
	assert.Equal(t, "raw-initiator", sess.PeerInfo().Name)
}

func TestSession_Handshake_VersionMismatchRejected(t *testing.T) {
	local, remote := transport.Pipe()
	sess := New(slog.Default(), local, newTestService(), &Config{})
	raw := newRawPeer(t, remote)

	accepted := make(chan error, 1)

	go func() {
		accepted <- sess.Accept(context.Background())
	}()

	raw.sendRequest(wire.StringID("init-1"), wire.MethodInitialize, wire.InitializeParams{
		ProtocolVersion: "99.0",
		ClientInfo:      wire.ImplementationInfo{Name: "future", Version: "9.9"},
	})

	resp := raw.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInvalidRequest, resp.Error.Code)

	select {
	case err := <-accepted:
		var hErr *rpcerr.HandshakeError
		require.ErrorAs(t, err, &hErr)
		assert.Equal(t, "99.0", hErr.PeerVersion)
	case <-time.After(testTimeout):
		t.Fatal("accept did not fail")
	}
}

func TestSession_Call_ResolvesWithResult(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})
	defer sess.Close(context.Background())

	type reply struct {
		payload json.RawMessage
		err     error
	}

	replies := make(chan reply, 1)

	go func() {
		payload, err := sess.Call(context.Background(), "echo", map[string]string{"text": "hi"})
		replies <- reply{payload, err}
	}()

	req := raw.recv()
	require.Equal(t, wire.KindRequest, req.Kind())
	require.Equal(t, "echo", req.Method)
	assert.JSONEq(t, `{"text":"hi"}`, string(req.Params))

	raw.sendResult(req.ID, map[string]string{"text": "hi"})

	select {
	case r := <-replies:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"text":"hi"}`, string(r.payload))
	case <-time.After(testTimeout):
		t.Fatal("call did not resolve")
	}
}

func TestSession_OutOfOrderResponses(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})
	defer sess.Close(context.Background())

	resolvedA := make(chan error, 1)
	resolvedB := make(chan error, 1)

	go func() {
		_, err := sess.Call(context.Background(), "first", nil)
		resolvedA <- err
	}()

	reqA := raw.recv()
	require.Equal(t, "first", reqA.Method)

	go func() {
		_, err := sess.Call(context.Background(), "second", nil)
		resolvedB <- err
	}()

	reqB := raw.recv()
	require.Equal(t, "second", reqB.Method)

	// Answer B before A: only B resolves, A stays pending.
	raw.sendResult(reqB.ID, "b-result")

	select {
	case err := <-resolvedB:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("second call did not resolve")
	}

	select {
	case <-resolvedA:
		t.Fatal("first call resolved without a response")
	case <-time.After(50 * time.Millisecond):
	}

	raw.sendResult(reqA.ID, "a-result")

	select {
	case err := <-resolvedA:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("first call did not resolve")
	}
}

func TestSession_ConcurrentCalls_ResolveExactlyOnce(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})
	defer sess.Close(context.Background())

	const calls = 25

	var resolved atomic.Int32

	var wg sync.WaitGroup

	for i := range calls {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			payload, err := sess.Call(context.Background(), "echo", map[string]int{"n": n})
			require.NoError(t, err)

			var got map[string]int
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, n, got["n"], "response routed to the wrong caller")

			resolved.Add(1)
		}(i)
	}

	// Echo every request back, in arrival order.
	for range calls {
		req := raw.recv()
		raw.sendResult(req.ID, json.RawMessage(req.Params))
	}

	waitDone := make(chan struct{})

	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		assert.Equal(t, int32(calls), resolved.Load())
	case <-time.After(testTimeout):
		t.Fatalf("only %d of %d calls resolved", resolved.Load(), calls)
	}
}

func TestSession_AuthRejection_SurfacesAuthError(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})
	defer sess.Close(context.Background())

	replies := make(chan error, 1)

	go func() {
		_, err := sess.Call(context.Background(), "tools/call", nil)
		replies <- err
	}()

	req := raw.recv()
	raw.send(wire.NewErrorResponse(req.ID, wire.CodeAuthRequired, "credential expired", nil))

	select {
	case err := <-replies:
		var authErr *rpcerr.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "credential expired", authErr.Message)

		// The underlying peer-reported error stays reachable.
		var respErr *rpcerr.ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, int(wire.CodeAuthRequired), respErr.Code)
	case <-time.After(testTimeout):
		t.Fatal("rejected call did not resolve")
	}
}

func TestSession_ControlNotificationBeforeReady_IsViolation(t *testing.T) {
	for _, method := range []string{wire.MethodShutdown, wire.MethodCancelled, wire.MethodProgress} {
		t.Run(method, func(t *testing.T) {
			local, remote := transport.Pipe()
			sess := New(slog.Default(), local, newTestService(), &Config{})
			raw := newRawPeer(t, remote)

			accepted := make(chan error, 1)

			go func() {
				accepted <- sess.Accept(context.Background())
			}()

			raw.sendNotification(method, nil)

			select {
			case err := <-accepted:
				var violation *rpcerr.ProtocolViolationError
				require.ErrorAs(t, err, &violation)
			case <-time.After(testTimeout):
				t.Fatal("accept did not fail")
			}

			assert.Equal(t, StateClosed, sess.State())
		})
	}
}

func TestSession_UnknownResponseID_IsViolation(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})

	raw.sendResult(wire.StringID("never-issued"), "surprise")

	select {
	case <-sess.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not close on unmatched response")
	}

	var violation *rpcerr.ProtocolViolationError
	require.ErrorAs(t, sess.Err(), &violation)

	_, err := sess.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, rpcerr.ErrSessionClosed)
}

func TestSession_RequestBeforeReady_RejectedWithoutDispatch(t *testing.T) {
	svc := newTestService()
	local, remote := transport.Pipe()
	sess := New(slog.Default(), local, svc, &Config{})
	raw := newRawPeer(t, remote)

	accepted := make(chan error, 1)

	go func() {
		accepted <- sess.Accept(context.Background())
	}()

	// Application request before any handshake.
	raw.sendRequest(wire.StringID("early"), "echo", map[string]string{"text": "hi"})

	resp := raw.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInvalidRequest, resp.Error.Code)

	select {
	case err := <-accepted:
		var violation *rpcerr.ProtocolViolationError
		require.ErrorAs(t, err, &violation)
	case <-time.After(testTimeout):
		t.Fatal("accept did not fail")
	}

	assert.Equal(t, int32(0), svc.requests.Load(), "dispatcher must not be invoked before ready")
}

func TestSession_Notification_NeverProducesResponse(t *testing.T) {
	svc := newTestService()
	sess, raw := serveSession(t, svc, &Config{})
	defer sess.Close(context.Background())

	// A notification whose handler fails internally.
	raw.sendNotification("note/fail", nil)

	// Follow with a request; the next frame we see must be its response,
	// not anything answering the notification.
	raw.sendRequest(wire.StringID("after"), "echo", map[string]string{"text": "still here"})

	resp := raw.recv()
	require.Equal(t, wire.KindResponse, resp.Kind())
	require.Equal(t, "after", resp.ID.String())
	require.Nil(t, resp.Error)

	require.Eventually(t, func() bool {
		return svc.notifications.Load() == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestSession_InboundCancellation_SignalsHandler(t *testing.T) {
	svc := newTestService()
	sess, raw := serveSession(t, svc, &Config{})
	defer sess.Close(context.Background())

	raw.sendRequest(wire.NumberID(5), "slow", nil)

	select {
	case <-svc.slowStarted:
	case <-time.After(testTimeout):
		t.Fatal("handler never started")
	}

	raw.sendNotification(wire.MethodCancelled, wire.CancelledParams{
		RequestID: wire.NumberID(5),
		Reason:    "user gave up",
	})

	select {
	case <-svc.slowCancelled:
	case <-time.After(testTimeout):
		t.Fatal("handler cancellation flag never became observable")
	}

	resp := raw.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeRequestCancelled, resp.Error.Code)
	assert.Equal(t, int64(5), resp.ID.Value())
}

func TestSession_CancellationForUnknownTarget_IsNoOp(t *testing.T) {
	svc := newTestService()
	sess, raw := serveSession(t, svc, &Config{})
	defer sess.Close(context.Background())

	raw.sendNotification(wire.MethodCancelled, wire.CancelledParams{
		RequestID: wire.StringID("never-was"),
	})

	// Session stays healthy.
	raw.sendRequest(wire.StringID("ping"), "echo", "x")

	resp := raw.recv()
	require.Nil(t, resp.Error)
	assert.Equal(t, "ping", resp.ID.String())
}

func TestSession_Timeout_ResolvesLocallyAndToleratesLateResponse(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})
	defer sess.Close(context.Background())

	_, err := sess.Call(context.Background(), "slow", nil, WithCallTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, rpcerr.ErrRequestTimeout)

	req := raw.recv()
	require.Equal(t, "slow", req.Method)

	// The peer is asked, best effort, to stop working on it.
	cancelNote := raw.recv()
	require.Equal(t, wire.MethodCancelled, cancelNote.Method)

	var params wire.CancelledParams
	require.NoError(t, json.Unmarshal(cancelNote.Params, &params))
	assert.Equal(t, req.ID.String(), params.RequestID.String())

	// A late response for the abandoned call is dropped, not a violation.
	raw.sendResult(req.ID, "too late")

	// The session is still usable.
	replies := make(chan error, 1)

	go func() {
		_, err := sess.Call(context.Background(), "echo", nil)
		replies <- err
	}()

	next := raw.recv()
	require.Equal(t, "echo", next.Method)
	raw.sendResult(next.ID, "ok")

	select {
	case err := <-replies:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("session unusable after tolerated late response")
	}
}

func TestSession_CallerCancellation_ResolvesLocally(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})
	defer sess.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())

	replies := make(chan error, 1)

	go func() {
		_, err := sess.Call(ctx, "slow", nil)
		replies <- err
	}()

	req := raw.recv()
	require.Equal(t, "slow", req.Method)

	cancel()

	select {
	case err := <-replies:
		require.ErrorIs(t, err, rpcerr.ErrRequestCancelled)
	case <-time.After(testTimeout):
		t.Fatal("cancelled call did not resolve")
	}

	cancelNote := raw.recv()
	require.Equal(t, wire.MethodCancelled, cancelNote.Method)
}

func TestSession_Disconnect_FlushesAllPending(t *testing.T) {
	svc := newTestService()
	sess, raw := dialSession(t, svc, &Config{})

	const pending = 5

	replies := make(chan error, pending)

	for range pending {
		go func() {
			_, err := sess.Call(context.Background(), "hang", nil)
			replies <- err
		}()
	}

	for range pending {
		raw.recv()
	}

	raw.end.Break(errors.New("connection reset"))

	for i := range pending {
		select {
		case err := <-replies:
			var terr *rpcerr.TransportError
			require.ErrorAs(t, err, &terr, "call %d resolved with wrong error kind", i)
		case <-time.After(testTimeout):
			t.Fatalf("call %d never resolved after disconnect", i)
		}
	}

	select {
	case <-sess.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not terminate")
	}

	_, err := sess.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, rpcerr.ErrSessionClosed)

	// The dispatcher was told the session ended, exactly once.
	require.Eventually(t, func() bool {
		return len(svc.sessionEnds()) == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestSession_PeerCleanClose_TerminatesSession(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})

	require.NoError(t, raw.end.Close())

	select {
	case <-sess.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not observe peer close")
	}

	_, err := sess.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, rpcerr.ErrSessionClosed)
}

func TestSession_GracefulClose(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{ShutdownGrace: 200 * time.Millisecond})

	closed := make(chan error, 1)

	go func() {
		closed <- sess.Close(context.Background())
	}()

	note := raw.recv()
	assert.Equal(t, wire.MethodShutdown, note.Method)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("close did not finish")
	}

	assert.Equal(t, StateClosed, sess.State())

	// Close is idempotent.
	require.NoError(t, sess.Close(context.Background()))

	_, err := sess.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, rpcerr.ErrSessionClosed)
	assert.ErrorIs(t, sess.Notify(context.Background(), "note", nil), rpcerr.ErrSessionClosed)
}

func TestSession_HandlerFailure_BecomesInternalError(t *testing.T) {
	svc := newTestService()
	sess, raw := serveSession(t, svc, &Config{})
	defer sess.Close(context.Background())

	raw.sendRequest(wire.StringID("f1"), "fail", nil)

	resp := raw.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaput")
}

func TestSession_HandlerPanic_DoesNotKillSession(t *testing.T) {
	svc := newTestService()
	sess, raw := serveSession(t, svc, &Config{})
	defer sess.Close(context.Background())

	raw.sendRequest(wire.StringID("p1"), "explode", nil)

	resp := raw.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInternalError, resp.Error.Code)

	// Other work is unaffected.
	raw.sendRequest(wire.StringID("p2"), "echo", "alive")

	resp = raw.recv()
	require.Nil(t, resp.Error)
	assert.Equal(t, "p2", resp.ID.String())
}

func TestSession_UnknownMethod_ShortCircuits(t *testing.T) {
	svc := newTestService()
	sess, raw := serveSession(t, svc, &Config{})
	defer sess.Close(context.Background())

	raw.sendRequest(wire.StringID("u1"), "no/such/method", nil)

	resp := raw.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeMethodNotFound, resp.Error.Code)
}

func TestSession_MalformedFrame_IsViolation(t *testing.T) {
	sess, raw := dialSession(t, nil, &Config{})

	require.NoError(t, raw.end.SendFrame(context.Background(), []byte("not json")))

	select {
	case <-sess.Done():
	case <-time.After(testTimeout):
		t.Fatal("session survived a malformed frame")
	}

	var violation *rpcerr.ProtocolViolationError
	require.ErrorAs(t, sess.Err(), &violation)
}
