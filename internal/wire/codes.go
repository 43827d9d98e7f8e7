package wire

// ErrorCode is a structured error code carried in a response error object.
// Codes in [-32768, -32000] are reserved for the protocol and the engine;
// anything outside that range is free for application use.
type ErrorCode int

const (
	// CodeParseError indicates the peer received bytes that do not decode.
	CodeParseError ErrorCode = -32700
	// CodeInvalidRequest indicates a structurally invalid envelope.
	CodeInvalidRequest ErrorCode = -32600
	// CodeMethodNotFound indicates no handler exists for the method.
	CodeMethodNotFound ErrorCode = -32601
	// CodeInvalidParams indicates the params failed validation.
	CodeInvalidParams ErrorCode = -32602
	// CodeInternalError indicates the handler failed unexpectedly.
	CodeInternalError ErrorCode = -32603

	// CodeRequestCancelled indicates the handler stopped after observing a
	// cancellation notification for its request.
	CodeRequestCancelled ErrorCode = -32800

	// CodeAuthRequired indicates the request's credential was missing,
	// invalid, or expired. The auth decorator retries once after a refresh.
	CodeAuthRequired ErrorCode = -32000
)

// Reserved reports whether the code falls in the protocol-reserved range.
func (c ErrorCode) Reserved() bool {
	return c >= -32768 && c <= -32000
}
