package wire

import "maps"

// ProtocolVersion is the protocol revision this engine negotiates.
const ProtocolVersion = "1.0"

// Well-known methods owned by the engine. The session routes these itself;
// they never reach the hosted service.
const (
	// MethodInitialize is the handshake request opening a session.
	MethodInitialize = "initialize"

	// MethodInitialized is the acknowledgement notification completing the
	// handshake. The session becomes Ready on send (initiator) or receipt
	// (responder).
	MethodInitialized = "notifications/initialized"

	// MethodCancelled asks the peer to stop work on an outstanding request.
	// Handling is cooperative; unknown or completed targets are a no-op.
	MethodCancelled = "notifications/cancelled"

	// MethodProgress reports partial progress for an outstanding request.
	MethodProgress = "notifications/progress"

	// MethodShutdown asks the peer to drain in-flight work and close.
	MethodShutdown = "notifications/shutdown"
)

// Capabilities is the feature map negotiated during the handshake. It is
// immutable once the session reaches Ready.
type Capabilities map[string]any

// Enabled reports whether a capability is present and not explicitly false.
func (c Capabilities) Enabled(name string) bool {
	v, ok := c[name]
	if !ok {
		return false
	}

	if b, ok := v.(bool); ok {
		return b
	}

	// A config object counts as enabled.
	return true
}

// Clone returns a defensive copy.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}

	return maps.Clone(c)
}

// ImplementationInfo names an implementation for diagnostics.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the handshake request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    Capabilities       `json:"capabilities,omitempty"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the payload of the handshake response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    Capabilities       `json:"capabilities,omitempty"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
}

// CancelledParams is the payload of a cancellation notification.
type CancelledParams struct {
	RequestID *ID    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressParams is the payload of a progress notification.
type ProgressParams struct {
	RequestID *ID      `json:"requestId"`
	Progress  float64  `json:"progress"`
	Total     *float64 `json:"total,omitempty"`
}
