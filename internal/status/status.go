// Package status tracks the daemon's runtime state.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/imsglab/imsg/internal/bus"
)

// State is one phase of the daemon lifecycle.
type State string

const (
	// Starting covers everything before the reader loop accepts frames.
	Starting State = "STARTING"
	// Serving means the RPC loop is reading requests.
	Serving State = "SERVING"
	// Draining means EOF was seen and workers are being cancelled.
	Draining State = "DRAINING"
	// Stopped is terminal for a clean shutdown.
	Stopped State = "STOPPED"
	// Failed is terminal for an unrecoverable error.
	Failed State = "FAILED"
)

var validTransitions = map[State][]State{
	Starting: {Serving, Failed},
	Serving:  {Draining, Failed},
	Draining: {Stopped, Failed},
}

// Change is the payload published on every transition.
type Change struct {
	From State
	To   State
}

// Machine enforces lifecycle transitions and announces them on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Starting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, rejecting moves the lifecycle does not
// allow.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.StatusChanged,
			Payload: Change{From: from, To: to},
		})
	}
	return nil
}
