package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the envelope framing version carried in every message.
const Version = "2.0"

// Kind classifies a decoded envelope.
type Kind int

const (
	// KindRequest is a method invocation expecting exactly one response.
	KindRequest Kind = iota
	// KindNotification is a method invocation expecting no response.
	KindNotification
	// KindResponse resolves a prior request, matched by id.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope is the structured unit exchanged over a transport. A request has
// method and id; a notification has method and no id; a response has id and
// exactly one of result or error.
type Envelope struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *ID             `json:"id,omitempty"`

	// Meta carries decorator data (credentials, progress tokens) without
	// touching method params. Absent from the wire when empty.
	Meta map[string]any `json:"_meta,omitempty"`
}

// Kind reports whether the envelope is a request, notification, or response.
func (e *Envelope) Kind() Kind {
	if e.Method != "" {
		if e.ID.IsNil() {
			return KindNotification
		}

		return KindRequest
	}

	return KindResponse
}

// UnmarshalJSON decodes and validates an envelope. It enforces the framing
// version and the request-xor-response shape; violations are reported so the
// session can treat them as protocol violations.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type rawEnvelope struct {
		Version string          `json:"jsonrpc"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
		ID      *ID             `json:"id,omitempty"`
		Meta    map[string]any  `json:"_meta,omitempty"`
	}

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.Version != Version {
		return fmt.Errorf("invalid framing version: expected %q, got %q", Version, raw.Version)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot carry result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot carry both result and error fields")
		}

		if !hasResult && !hasError {
			return fmt.Errorf("response message must carry either result or error field")
		}

		if raw.ID.IsNil() {
			return fmt.Errorf("response message must carry an id")
		}
	}

	e.Version = raw.Version
	e.Method = raw.Method
	e.Params = raw.Params
	e.Result = raw.Result
	e.Error = raw.Error
	e.ID = raw.ID
	e.Meta = raw.Meta

	return nil
}

// NewRequest builds a request envelope with marshaled params.
func NewRequest(id *ID, method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version: Version,
		Method:  method,
		Params:  raw,
		ID:      id,
	}, nil
}

// NewNotification builds an id-less request envelope.
func NewNotification(method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version: Version,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResultResponse builds a successful response envelope.
func NewResultResponse(id *ID, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return &Envelope{
		Version: Version,
		Result:  raw,
		ID:      id,
	}, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id *ID, code ErrorCode, message string, data any) *Envelope {
	return &Envelope{
		Version: Version,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return raw, nil
}

// Error is the structured error object carried in an error response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}
