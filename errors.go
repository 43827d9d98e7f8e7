package peerwire

import "github.com/wagiedev/peerwire-go/internal/rpcerr"

// Re-export error types from internal package

// TransportError indicates a connection-level failure, fatal to the session.
type TransportError = rpcerr.TransportError

// ProtocolViolationError indicates a malformed or out-of-sequence message.
type ProtocolViolationError = rpcerr.ProtocolViolationError

// ResponseError carries an error object reported by the remote peer.
type ResponseError = rpcerr.ResponseError

// HandshakeError indicates the initialize exchange failed.
type HandshakeError = rpcerr.HandshakeError

// AuthError indicates a credential was rejected by the peer.
type AuthError = rpcerr.AuthError

// PeerwireError is the base interface for all engine errors.
type PeerwireError = rpcerr.PeerwireError

// Re-export sentinel errors from internal package.
var (
	// ErrSessionNotReady indicates the session has not completed its handshake.
	ErrSessionNotReady = rpcerr.ErrSessionNotReady

	// ErrSessionClosed indicates the session has been closed and cannot be reused.
	ErrSessionClosed = rpcerr.ErrSessionClosed

	// ErrShuttingDown indicates the session no longer accepts new outbound requests.
	ErrShuttingDown = rpcerr.ErrShuttingDown

	// ErrRequestTimeout indicates a request timed out before a response arrived.
	ErrRequestTimeout = rpcerr.ErrRequestTimeout

	// ErrRequestCancelled indicates a request was cancelled by the caller.
	ErrRequestCancelled = rpcerr.ErrRequestCancelled

	// ErrMethodNotFound is returned by services to have the engine answer
	// with a MethodNotFound response.
	ErrMethodNotFound = rpcerr.ErrMethodNotFound

	// ErrTransportClosed indicates the transport is no longer usable.
	ErrTransportClosed = rpcerr.ErrTransportClosed
)
