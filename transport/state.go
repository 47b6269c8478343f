package transport

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateDraining // half-closed: no new streams
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CanTransition reports whether from → to is a legal edge. Any state may
// move to Closed; otherwise states only advance.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	switch to {
	case StateClosed:
		return true
	case StateHandshaking:
		return from == StateConnecting
	case StateActive:
		// Plaintext connections skip the handshake.
		return from == StateConnecting || from == StateHandshaking
	case StateDraining:
		return from == StateActive
	}
	return false
}

// stateMachine holds a State and only applies legal transitions.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State {
	return State(m.v.Load())
}

// advance moves to the target state, returning false if the edge is illegal
// from the current state.
func (m *stateMachine) advance(to State) bool {
	for {
		from := m.Load()
		if !CanTransition(from, to) {
			return false
		}
		if m.v.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}
