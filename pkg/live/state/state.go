// Package state tracks the connection lifecycle of a live session.
//
// The lifecycle is a small explicit state machine. Every transition is
// checked against a legal-pairs table; illegal transitions are rejected
// without mutating the current state, so a late goroutine cannot push the
// machine somewhere inconsistent.
package state

import (
	"fmt"
	"sync"
)

// ConnectionState is the lifecycle position of a session.
type ConnectionState int

const (
	// Disconnected is the rest state: no socket, no audio devices running.
	Disconnected ConnectionState = iota
	// Connecting covers dialing, retry backoff, and session setup.
	Connecting
	// Connected means the session is live but the microphone is idle.
	Connected
	// Recording means the session is live and microphone audio is streaming.
	Recording
	// Disconnecting covers graceful teardown.
	Disconnecting
	// Error is the terminal-failure state; recovery goes through Disconnected
	// or a fresh Connecting.
	Error
)

// String returns the state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Recording:
		return "recording"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// legal maps each state to the set of states it may move to.
var legal = map[ConnectionState][]ConnectionState{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Error, Disconnected},
	Connected:     {Recording, Disconnecting, Error},
	Recording:     {Connected, Disconnecting, Error},
	Disconnecting: {Disconnected, Error},
	Error:         {Disconnected, Connecting},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Listener receives state change notifications. It runs on the transition
// caller's goroutine and must not block.
type Listener func(from, to ConnectionState)

// Machine is a thread-safe connection state machine.
type Machine struct {
	mu        sync.Mutex
	current   ConnectionState
	listeners []Listener
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine() *Machine {
	return &Machine{current: Disconnected}
}

// Current returns the current state.
func (m *Machine) Current() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TryTransition attempts to move to the target state. On an illegal move it
// returns false and leaves the current state untouched.
func (m *Machine) TryTransition(to ConnectionState) bool {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return false
	}
	m.current = to
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
	return true
}

// Transition moves to the target state, returning a descriptive error on an
// illegal move.
func (m *Machine) Transition(to ConnectionState) error {
	if m.TryTransition(to) {
		return nil
	}
	return fmt.Errorf("state: illegal transition %s -> %s", m.Current(), to)
}

// Subscribe registers a listener for future transitions.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Is reports whether the machine currently sits in any of the given states.
func (m *Machine) Is(states ...ConnectionState) bool {
	cur := m.Current()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}
