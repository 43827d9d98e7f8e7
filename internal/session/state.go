package session

import (
	"fmt"
	"sync"
)

// State is a phase of the session lifecycle.
type State int

const (
	// StateUninitialized is the state at construction, before the handshake.
	StateUninitialized State = iota
	// StateInitializing means the handshake is in flight.
	StateInitializing
	// StateReady means application traffic is accepted in both directions.
	StateReady
	// StateShuttingDown means no new outbound requests are accepted while
	// in-flight work drains.
	StateShuttingDown
	// StateClosed is terminal. Every operation fails with ErrSessionClosed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stateMachine guards lifecycle transitions. Closed is reachable from every
// state; everything else advances strictly forward.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateUninitialized}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// transition advances to next if legal, reporting the state it left.
func (m *stateMachine) transition(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legalTransition(m.state, next) {
		return m.state, fmt.Errorf("illegal lifecycle transition %s -> %s", m.state, next)
	}

	prev := m.state
	m.state = next

	return prev, nil
}

// compareAndTransition advances to next only from the expected state.
func (m *stateMachine) compareAndTransition(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from || !legalTransition(from, next) {
		return false
	}

	m.state = next

	return true
}

func legalTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}

	switch from {
	case StateUninitialized:
		return to == StateInitializing
	case StateInitializing:
		return to == StateReady
	case StateReady:
		return to == StateShuttingDown
	default:
		return false
	}
}
