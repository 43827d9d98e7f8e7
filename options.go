package peerwire

import (
	"log/slog"
	"time"

	"github.com/wagiedev/peerwire-go/internal/authflow"
	"github.com/wagiedev/peerwire-go/internal/session"
)

// CredentialProvider supplies the credential attached to outbound requests
// when WithCredentials is set. See the auth decorator semantics on Dial.
type CredentialProvider = authflow.CredentialProvider

// Option configures a Peer using the functional options pattern.
type Option func(*peerOptions)

type peerOptions struct {
	logger          *slog.Logger
	protocolVersion string
	capabilities    Capabilities
	info            ImplementationInfo
	requestTimeout  time.Duration
	shutdownGrace   time.Duration
	credentials     CredentialProvider
}

func applyPeerOptions(opts []Option) *peerOptions {
	options := &peerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.logger == nil {
		options.logger = NopLogger()
	}

	return options
}

func (o *peerOptions) sessionConfig() *session.Config {
	return &session.Config{
		ProtocolVersion: o.protocolVersion,
		Capabilities:    o.capabilities,
		Info:            o.info,
		RequestTimeout:  o.requestTimeout,
		ShutdownGrace:   o.shutdownGrace,
	}
}

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *peerOptions) {
		o.logger = logger
	}
}

// WithProtocolVersion overrides the protocol version declared during the
// handshake. Defaults to ProtocolVersion.
func WithProtocolVersion(version string) Option {
	return func(o *peerOptions) {
		o.protocolVersion = version
	}
}

// WithCapabilities declares this side's capability map for the handshake.
func WithCapabilities(caps Capabilities) Option {
	return func(o *peerOptions) {
		o.capabilities = caps
	}
}

// WithImplementationInfo sets the name and version reported to the peer
// for diagnostics.
func WithImplementationInfo(name, version string) Option {
	return func(o *peerOptions) {
		o.info = ImplementationInfo{Name: name, Version: version}
	}
}

// WithRequestTimeout bounds calls that carry no per-call timeout.
// Defaults to 60 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *peerOptions) {
		o.requestTimeout = d
	}
}

// WithShutdownGrace bounds how long Close waits for in-flight work to drain
// before failing what remains. Defaults to 5 seconds.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *peerOptions) {
		o.shutdownGrace = d
	}
}

// WithCredentials wraps the transport's outbound path with credential
// attachment and single-flight refresh-and-retry.
func WithCredentials(provider CredentialProvider) Option {
	return func(o *peerOptions) {
		o.credentials = provider
	}
}

// CallOption adjusts a single outbound request.
type CallOption = session.CallOption

// WithCallTimeout overrides the peer's default request timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return session.WithCallTimeout(d)
}

// WithProgress registers a handler for progress notifications the remote
// side emits while working on this call.
func WithProgress(fn func(ProgressParams)) CallOption {
	return session.WithProgress(fn)
}
