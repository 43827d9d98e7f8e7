package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wagiedev/peerwire-go/internal/rpcerr"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

// requestIDKey carries the inbound request id through handler contexts so
// ReportProgress can address its progress notifications.
type requestIDKey struct{}

// handleRequest gates, registers, and dispatches an inbound request. The
// handler runs in its own goroutine so the read loop stays free to process
// cancellations.
func (s *Session) handleRequest(ctx context.Context, env *wire.Envelope) {
	if env.Method == wire.MethodInitialize {
		s.handleInitialize(ctx, env)

		return
	}

	switch s.states.current() {
	case StateReady, StateShuttingDown:
		// In-flight work may still arrive while draining.
	default:
		s.violation(ctx, env.ID, fmt.Sprintf("request %q before session ready", env.Method), nil)

		return
	}

	s.log.Debug("Received request", "id", env.ID, "method", env.Method)

	if s.service == nil {
		s.respondError(ctx, env.ID, wire.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", env.Method), nil)

		return
	}

	opCtx, cancel := context.WithCancel(context.WithValue(ctx, requestIDKey{}, env.ID))
	key := env.ID.String()

	s.inFlight.Store(key, &inFlightRequest{method: env.Method, cancel: cancel})

	method, params, id := env.Method, env.Params, env.ID

	s.wg.Go(func() {
		defer func() {
			s.inFlight.Delete(key)
			cancel()
		}()

		result, err := s.invokeHandler(opCtx, method, params)

		if opCtx.Err() != nil && s.states.current() == StateClosed {
			// Session died underneath the handler; nobody to answer.
			return
		}

		switch {
		case errors.Is(opCtx.Err(), context.Canceled):
			s.log.Debug("Handler cancelled", "id", id, "method", method)
			s.respondError(ctx, id, wire.CodeRequestCancelled, "request cancelled", nil)

		case err != nil:
			s.respondHandlerError(ctx, id, method, err)

		default:
			resp, rerr := wire.NewResultResponse(id, result)
			if rerr != nil {
				s.respondError(ctx, id, wire.CodeInternalError,
					fmt.Sprintf("marshal result: %v", rerr), nil)

				return
			}

			if werr := s.writeEnvelope(ctx, resp); werr != nil {
				s.log.Debug("Could not send response", "id", id, "error", werr)
			}
		}
	})
}

// invokeHandler runs the service handler with a panic boundary. A panicking
// handler becomes an InternalError response; it never takes the session down.
func (s *Session) invokeHandler(
	ctx context.Context,
	method string,
	params json.RawMessage,
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Handler panicked", "method", method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return s.service.HandleRequest(ctx, method, params)
}

// respondHandlerError maps a handler error onto the response error object.
func (s *Session) respondHandlerError(ctx context.Context, id *wire.ID, method string, err error) {
	var wireErr *wire.Error
	if errors.As(err, &wireErr) {
		s.respondError(ctx, id, wireErr.Code, wireErr.Message, wireErr.Data)

		return
	}

	if errors.Is(err, rpcerr.ErrMethodNotFound) {
		s.respondError(ctx, id, wire.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", method), nil)

		return
	}

	s.log.Warn("Handler returned error", "id", id, "method", method, "error", err)
	s.respondError(ctx, id, wire.CodeInternalError, err.Error(), nil)
}

func (s *Session) respondError(
	ctx context.Context,
	id *wire.ID,
	code wire.ErrorCode,
	message string,
	data any,
) {
	resp := wire.NewErrorResponse(id, code, message, data)
	if err := s.writeEnvelope(ctx, resp); err != nil {
		s.log.Debug("Could not send error response", "id", id, "error", err)
	}
}

// handleNotification routes well-known notifications itself and hands the
// rest to the service. A notification never produces a response frame, even
// when its handling fails.
func (s *Session) handleNotification(ctx context.Context, env *wire.Envelope) {
	// The acknowledgement is the one notification legal before Ready; it
	// enforces its own state check.
	if env.Method == wire.MethodInitialized {
		s.handleInitialized(ctx)

		return
	}

	if s.states.current() != StateReady && s.states.current() != StateShuttingDown {
		s.violation(ctx, nil, fmt.Sprintf("notification %q before session ready", env.Method), nil)

		return
	}

	switch env.Method {
	case wire.MethodCancelled:
		s.handleCancelled(env)

		return

	case wire.MethodProgress:
		s.handleProgress(env)

		return

	case wire.MethodShutdown:
		s.log.Debug("Peer requested shutdown")

		go func() {
			if err := s.Close(context.WithoutCancel(ctx)); err != nil {
				s.log.Debug("Shutdown close failed", "error", err)
			}
		}()

		return
	}

	s.log.Debug("Received notification", "method", env.Method)

	if s.service == nil {
		return
	}

	method, params := env.Method, env.Params

	s.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Notification handler panicked", "method", method, "panic", r)
			}
		}()

		if err := s.service.HandleNotification(ctx, method, params); err != nil {
			s.log.Warn("Notification handler failed", "method", method, "error", err)
		}
	})
}

// handleCancelled signals the in-flight handler for the targeted request.
// Handling is cooperative: the handler decides how and when to stop.
// Unknown or already completed targets are a no-op.
func (s *Session) handleCancelled(env *wire.Envelope) {
	var params wire.CancelledParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.log.Warn("Malformed cancellation notification", "error", err)

		return
	}

	if params.RequestID.IsNil() {
		s.log.Warn("Cancellation notification without target id")

		return
	}

	op, exists := s.inFlight.Load(params.RequestID.String())
	if !exists {
		s.log.Debug("Cancellation for unknown or completed request", "id", params.RequestID)

		return
	}

	s.log.Debug("Cancelling in-flight request",
		"id", params.RequestID, "method", op.method, "reason", params.Reason)

	op.cancel()
}

// handleProgress routes a progress notification to the per-call handler
// registered with WithProgress. Unmatched progress is dropped.
func (s *Session) handleProgress(env *wire.Envelope) {
	var params wire.ProgressParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.log.Warn("Malformed progress notification", "error", err)

		return
	}

	if params.RequestID.IsNil() {
		return
	}

	if fn := s.lookupProgress(params.RequestID.String()); fn != nil {
		fn(params)
	}
}

// ReportProgress emits a progress notification for the request the handler
// is currently serving. The ctx must be the one passed to HandleRequest.
func (s *Session) ReportProgress(ctx context.Context, progress float64, total *float64) error {
	id, _ := ctx.Value(requestIDKey{}).(*wire.ID)
	if id.IsNil() {
		return fmt.Errorf("no request in context")
	}

	env, err := wire.NewNotification(wire.MethodProgress, wire.ProgressParams{
		RequestID: id,
		Progress:  progress,
		Total:     total,
	})
	if err != nil {
		return err
	}

	return s.writeEnvelope(ctx, env)
}
