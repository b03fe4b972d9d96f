package transport

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lumachat/chatsync/internal/bus"
)

// State is the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Failed       State = "ERROR"
)

// validTransitions is the closed transition table. Connect is only legal
// from Disconnected or Failed; a live connection is torn down (through
// Disconnected) before a new one starts.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Failed},
	Connected:    {Disconnected, Connecting, Failed},
	Failed:       {Connecting, Disconnected},
}

// StateChange is published on the bus for every transition. Reason is a
// user-facing remediation message, set only when entering Failed.
type StateChange struct {
	From   State
	To     State
	RoomID string
	Reason string
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state; moving to the current
// state is a no-op. Invalid transitions return an error and leave the
// machine unchanged.
func (m *Machine) Transition(to State, roomID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "transport.state",
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to, RoomID: roomID, Reason: reason},
		})
	}
	return nil
}
