// Package status tracks the connectivity of the session's event channel and
// announces changes on the bus.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/metrics"
)

// State represents the connectivity state shown to the user.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Offline      State = "OFFLINE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Online, Offline},
	Connecting:   {Online, Reconnecting, Offline},
	Online:       {Reconnecting, Offline},
	Reconnecting: {Online, Offline},
	Offline:      {Connecting, Online},
}

// Machine tracks and enforces connectivity state transitions.
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(to)
}

func (m *Machine) transition(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Online {
		metrics.Connectivity.Set(1)
	} else {
		metrics.Connectivity.Set(0)
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectivity,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// Observe maps a transport state onto the machine. A drop from Online (or a
// failed first attempt) becomes Reconnecting; transitions that make no sense
// from the current state are ignored.
func (m *Machine) Observe(s channel.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var to State
	switch s {
	case channel.Connected:
		to = Online
	case channel.Connecting:
		if m.current == Booting || m.current == Offline {
			to = Connecting
		}
	case channel.Disconnected:
		if m.current == Online || m.current == Connecting {
			to = Reconnecting
		}
	}
	if to == "" || to == m.current {
		return
	}
	_ = m.transition(to)
}

// Follow observes every state change of ch until the returned function is
// called.
func (m *Machine) Follow(ch channel.Channel) func() {
	return ch.OnStateChange(m.Observe)
}

// StatusChange is the payload for connectivity events.
type StatusChange struct {
	From State
	To   State
}
