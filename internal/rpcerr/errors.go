package rpcerr

import (
	"errors"
	"fmt"
)

// PeerwireError is the base interface for all engine errors.
type PeerwireError interface {
	error
	IsPeerwireError() bool
}

// Compile-time verification that all error types implement PeerwireError.
var (
	_ PeerwireError = (*TransportError)(nil)
	_ PeerwireError = (*ProtocolViolationError)(nil)
	_ PeerwireError = (*ResponseError)(nil)
	_ PeerwireError = (*HandshakeError)(nil)
	_ PeerwireError = (*AuthError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrSessionNotReady indicates the session has not completed its handshake.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionClosed indicates the session has been closed and cannot be reused.
	ErrSessionClosed = errors.New("session closed: sessions are single-use, create a new one per connection")

	// ErrShuttingDown indicates the session no longer accepts new outbound requests.
	ErrShuttingDown = errors.New("session shutting down")

	// ErrRequestTimeout indicates a request timed out before a response arrived.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestCancelled indicates a request was cancelled by the caller.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrMethodNotFound indicates no handler is registered for the requested method.
	// Services return this to have the engine answer with a MethodNotFound response.
	ErrMethodNotFound = errors.New("method not found")

	// ErrTransportClosed indicates the transport is no longer usable.
	ErrTransportClosed = errors.New("transport closed")
)

// TransportError indicates a connection-level failure. It is fatal to the
// session: every pending call is resolved with the same disconnect error.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPeerwireError implements PeerwireError.
func (e *TransportError) IsPeerwireError() bool { return true }

// ProtocolViolationError indicates a malformed or out-of-sequence message.
// Violations are fatal: the session rejects the message and closes.
type ProtocolViolationError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// IsPeerwireError implements PeerwireError.
func (e *ProtocolViolationError) IsPeerwireError() bool { return true }

// ResponseError carries an error object reported by the remote peer in a
// response. It is scoped to the affected call only.
type ResponseError struct {
	Code    int
	Message string
	Data    any
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// IsPeerwireError implements PeerwireError.
func (e *ResponseError) IsPeerwireError() bool { return true }

// HandshakeError indicates the initialize exchange failed, typically a
// protocol version the local side does not speak.
type HandshakeError struct {
	LocalVersion string
	PeerVersion  string
	Err          error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %v", e.Err)
	}

	return fmt.Sprintf("handshake failed: peer speaks %q, local %q", e.PeerVersion, e.LocalVersion)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsPeerwireError implements PeerwireError.
func (e *HandshakeError) IsPeerwireError() bool { return true }

// AuthError indicates a credential was rejected by the peer. The auth
// decorator retries once after a refresh; if that also fails the original
// AuthError is surfaced to the caller.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed: %v", e.Err)
	}

	return fmt.Sprintf("auth failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsPeerwireError implements PeerwireError.
func (e *AuthError) IsPeerwireError() bool { return true }
