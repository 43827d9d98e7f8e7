package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wagiedev/peerwire-go/internal/rpcerr"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

// Connect runs the initiating side of the handshake: send the initialize
// request, apply the peer's answer, acknowledge, and become Ready.
func (s *Session) Connect(ctx context.Context) error {
	if _, err := s.states.transition(StateInitializing); err != nil {
		return err
	}

	s.start(ctx)

	s.log.Debug("Initializing session", "protocol_version", s.cfg.ProtocolVersion)

	payload, err := s.Call(ctx, wire.MethodInitialize, wire.InitializeParams{
		ProtocolVersion: s.cfg.ProtocolVersion,
		Capabilities:    s.cfg.Capabilities,
		ClientInfo:      s.cfg.Info,
	})
	if err != nil {
		s.terminate(&rpcerr.HandshakeError{LocalVersion: s.cfg.ProtocolVersion, Err: err})

		return fmt.Errorf("initialize: %w", err)
	}

	var result wire.InitializeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		hErr := &rpcerr.HandshakeError{
			LocalVersion: s.cfg.ProtocolVersion,
			Err:          fmt.Errorf("malformed initialize result: %w", err),
		}
		s.terminate(hErr)

		return hErr
	}

	if result.ProtocolVersion != s.cfg.ProtocolVersion {
		hErr := &rpcerr.HandshakeError{
			LocalVersion: s.cfg.ProtocolVersion,
			PeerVersion:  result.ProtocolVersion,
		}
		s.terminate(hErr)

		return hErr
	}

	s.peerMu.Lock()
	s.peerVersion = result.ProtocolVersion
	s.peerCaps = result.Capabilities.Clone()
	s.peerInfo = result.ServerInfo
	s.peerMu.Unlock()

	if err := s.Notify(ctx, wire.MethodInitialized, nil); err != nil {
		s.terminate(&rpcerr.HandshakeError{LocalVersion: s.cfg.ProtocolVersion, Err: err})

		return fmt.Errorf("initialized acknowledgement: %w", err)
	}

	if !s.states.compareAndTransition(StateInitializing, StateReady) {
		return s.disconnectError()
	}

	s.markReady()

	s.log.Info("Session ready",
		"protocol_version", result.ProtocolVersion,
		"peer", result.ServerInfo.Name,
	)

	return nil
}

// Accept runs the responding side: the read loop answers the peer's
// initialize request, and Accept returns once the acknowledgement
// notification arrives and the session is Ready.
func (s *Session) Accept(ctx context.Context) error {
	s.start(ctx)

	s.log.Debug("Awaiting handshake")

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.disconnectError()
	case <-ctx.Done():
		s.terminate(ctx.Err())

		return ctx.Err()
	}
}

// handleInitialize answers the peer's handshake request. Only legal before
// Ready; a second initialize is a protocol violation.
func (s *Session) handleInitialize(ctx context.Context, env *wire.Envelope) {
	if !s.states.compareAndTransition(StateUninitialized, StateInitializing) {
		s.violation(ctx, env.ID, "unexpected initialize request", nil)

		return
	}

	var params wire.InitializeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.violation(ctx, env.ID, fmt.Sprintf("malformed initialize params: %v", err), env.Params)

		return
	}

	if params.ProtocolVersion != s.cfg.ProtocolVersion {
		reason := fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion)
		resp := wire.NewErrorResponse(env.ID, wire.CodeInvalidRequest, reason, nil)

		if err := s.writeEnvelope(ctx, resp); err != nil {
			s.log.Debug("Could not send handshake rejection", "error", err)
		}

		s.terminate(&rpcerr.HandshakeError{
			LocalVersion: s.cfg.ProtocolVersion,
			PeerVersion:  params.ProtocolVersion,
		})

		return
	}

	s.peerMu.Lock()
	s.peerVersion = params.ProtocolVersion
	s.peerCaps = params.Capabilities.Clone()
	s.peerInfo = params.ClientInfo
	s.peerMu.Unlock()

	resp, err := wire.NewResultResponse(env.ID, wire.InitializeResult{
		ProtocolVersion: s.cfg.ProtocolVersion,
		Capabilities:    s.cfg.Capabilities,
		ServerInfo:      s.cfg.Info,
	})
	if err != nil {
		s.terminate(fmt.Errorf("marshal initialize result: %w", err))

		return
	}

	if err := s.writeEnvelope(ctx, resp); err != nil {
		s.terminate(err)

		return
	}

	s.log.Debug("Handshake answered, awaiting acknowledgement", "peer", params.ClientInfo.Name)
}

// handleInitialized completes the responder's handshake on receipt of the
// acknowledgement notification.
func (s *Session) handleInitialized(ctx context.Context) {
	if !s.states.compareAndTransition(StateInitializing, StateReady) {
		s.violation(ctx, nil, "unexpected initialized notification", nil)

		return
	}

	s.markReady()

	s.peerMu.RLock()
	peer := s.peerInfo.Name
	s.peerMu.RUnlock()

	s.log.Info("Session ready", "protocol_version", s.cfg.ProtocolVersion, "peer", peer)
}
