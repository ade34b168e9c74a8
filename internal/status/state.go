package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pigeonchat/pigeon/internal/bus"
)

// State represents a transport session runtime state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Joining      State = "JOINING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Ready is only reached
// through Joining, so a session never reports Ready before the server has
// acknowledged the room join.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Joining, Disconnected, Closed},
	Joining:      {Ready, Reconnecting, Disconnected, Closed},
	Ready:        {Reconnecting, Closed},
	Reconnecting: {Joining, Disconnected, Closed},
	Closed:       {Connecting},
}

// Machine tracks and enforces transport session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.New(bus.KindSessionStateChanged, StateChange{
			From: from,
			To:   to,
		}))
	}
	return nil
}

// StateChange is the payload for session state change events.
type StateChange struct {
	From State
	To   State
}
