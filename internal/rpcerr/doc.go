// Package rpcerr defines the error taxonomy for the peerwire engine.
//
// Connection-scoped failures (TransportError, ProtocolViolationError) are
// fatal to a session; call-scoped failures (ResponseError, the timeout and
// cancellation sentinels) resolve only the affected call. All error types
// support unwrapping and can be checked with errors.Is and errors.As.
package rpcerr
