package peerwire

import (
	"github.com/wagiedev/peerwire-go/internal/session"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

// Re-exported wire types so callers never import internal packages.

// ID is a request identifier, a string or a number on the wire.
type ID = wire.ID

// Envelope is the structured unit exchanged over a transport.
type Envelope = wire.Envelope

// Error is the structured error object carried in an error response.
// Handlers may return a *Error to control the response error code.
type Error = wire.Error

// ErrorCode classifies a response error.
type ErrorCode = wire.ErrorCode

// Reserved error codes. Codes outside the reserved range are free for
// application use.
const (
	CodeParseError       = wire.CodeParseError
	CodeInvalidRequest   = wire.CodeInvalidRequest
	CodeMethodNotFound   = wire.CodeMethodNotFound
	CodeInvalidParams    = wire.CodeInvalidParams
	CodeInternalError    = wire.CodeInternalError
	CodeRequestCancelled = wire.CodeRequestCancelled
	CodeAuthRequired     = wire.CodeAuthRequired
)

// Capabilities is the feature map negotiated during the handshake.
type Capabilities = wire.Capabilities

// ImplementationInfo names an implementation for diagnostics.
type ImplementationInfo = wire.ImplementationInfo

// ProgressParams is the payload of a progress notification.
type ProgressParams = wire.ProgressParams

// CancelledParams is the payload of a cancellation notification.
type CancelledParams = wire.CancelledParams

// ProtocolVersion is the protocol revision negotiated by default.
const ProtocolVersion = wire.ProtocolVersion

// Well-known methods owned by the engine. Sessions route these themselves;
// they never reach the hosted service.
const (
	MethodInitialize  = wire.MethodInitialize
	MethodInitialized = wire.MethodInitialized
	MethodCancelled   = wire.MethodCancelled
	MethodProgress    = wire.MethodProgress
	MethodShutdown    = wire.MethodShutdown
)

// State is a phase of the session lifecycle.
type State = session.State

// Lifecycle states.
const (
	StateUninitialized = session.StateUninitialized
	StateInitializing  = session.StateInitializing
	StateReady         = session.StateReady
	StateShuttingDown  = session.StateShuttingDown
	StateClosed        = session.StateClosed
)
