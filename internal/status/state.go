// Package status tracks the core's lifecycle and connectivity: whether the
// store is hydrated, and whether the transport is reachable.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatcore/internal/bus"
)

// State is a lifecycle or connectivity state.
type State string

const (
	Booting      State = "BOOTING"
	Hydrating    State = "HYDRATING"
	Offline      State = "OFFLINE"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Hydrating, Error},
	Hydrating:    {Offline, Error},
	Offline:      {Connecting, Online, AuthRequired, Error},
	AuthRequired: {Connecting, Online, Offline, Error},
	Connecting:   {Online, Offline, AuthRequired, Error},
	Online:       {Offline, Degraded, AuthRequired, Error},
	Degraded:     {Online, Offline, Error},
	Error:        {Booting},
}

// Machine tracks and enforces state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Hydrated reports whether the store finished loading. Reads before that
// see the loading state.
func (m *Machine) Hydrated() bool {
	switch m.Current() {
	case Booting, Hydrating, Error:
		return false
	}
	return true
}

// IsOnline reports whether mutations can be delivered.
func (m *Machine) IsOnline() bool {
	s := m.Current()
	return s == Online || s == Degraded
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Set moves to a state if not already there. Unlike Transition, asking for
// the current state is not an error.
func (m *Machine) Set(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return nil
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.ConnectivityChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for connectivity.changed events.
type StatusChange struct {
	From State
	To   State
}
