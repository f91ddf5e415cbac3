package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a named state of a Machine.
type State string

// Reconciliation engine states.
const (
	Idle              State = "IDLE"
	Syncing           State = "SYNCING"
	ConflictResolving State = "CONFLICT_RESOLVING"
	Closed            State = "CLOSED"
)

// Listener link states. Closed is shared with the engine table.
const (
	Connecting State = "CONNECTING"
	Live       State = "LIVE"
	Stale      State = "STALE"
)

// Table lists the allowed target states for every source state.
type Table map[State][]State

// EngineTable: idle -> syncing -> idle, syncing <-> conflict-resolving, any -> closed.
var EngineTable = Table{
	Idle:              {Syncing, Closed},
	Syncing:           {Idle, ConflictResolving, Closed},
	ConflictResolving: {Syncing, Closed},
	Closed:            {},
}

// LinkTable describes the remote listener connection.
var LinkTable = Table{
	Connecting: {Live, Stale, Closed},
	Live:       {Stale, Closed},
	Stale:      {Connecting, Closed},
	Closed:     {},
}

// Machine tracks and enforces state transitions for one subject.
type Machine struct {
	mu      sync.RWMutex
	current State
	table   Table
	subject string
	bus     bus.Publisher
}

// NewMachine creates a machine in the initial state. Transitions are published as
// engine.state_changed events carrying subject as the conversation id.
func NewMachine(initial State, table Table, subject string, b bus.Publisher) *Machine {
	return &Machine{
		current: initial,
		table:   table,
		subject: subject,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.table[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:           bus.EngineStateChanged,
			ConversationID: m.subject,
			Payload:        StatusChange{From: from, To: to},
		})
	}
	return nil
}

// Force moves to the given state if allowed, and is a no-op if already there.
func (m *Machine) Force(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
