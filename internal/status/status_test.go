package status

import (
	"testing"
	"time"

	"github.com/imsglab/imsg/internal/bus"
)

func TestHappyPath(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Starting {
		t.Fatalf("initial state = %s", m.Current())
	}
	for _, to := range []State{Serving, Draining, Stopped} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
		if m.Current() != to {
			t.Fatalf("Current = %s, want %s", m.Current(), to)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		path []State
		to   State
	}{
		{nil, Draining},
		{nil, Stopped},
		{[]State{Serving}, Stopped},
		{[]State{Serving, Draining, Stopped}, Serving}, // terminal
		{[]State{Failed}, Serving},                     // terminal
	}
	for _, tc := range cases {
		m := NewMachine(nil)
		for _, s := range tc.path {
			if err := m.Transition(s); err != nil {
				t.Fatalf("setup Transition(%s): %v", s, err)
			}
		}
		before := m.Current()
		if err := m.Transition(tc.to); err == nil {
			t.Errorf("Transition(%s -> %s) unexpectedly allowed", before, tc.to)
		}
		if m.Current() != before {
			t.Errorf("rejected transition changed state to %s", m.Current())
		}
	}
}

func TestFailedReachableFromAnywhere(t *testing.T) {
	for _, path := range [][]State{nil, {Serving}, {Serving, Draining}} {
		m := NewMachine(nil)
		for _, s := range path {
			if err := m.Transition(s); err != nil {
				t.Fatalf("setup: %v", err)
			}
		}
		if err := m.Transition(Failed); err != nil {
			t.Errorf("Transition(Failed) from %s: %v", m.Current(), err)
		}
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe(string(bus.StatusChanged), 1)
	defer cancel()

	m := NewMachine(b)
	if err := m.Transition(Serving); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload is %T", evt.Payload)
		}
		if change.From != Starting || change.To != Serving {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event published")
	}
}
