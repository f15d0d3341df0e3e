package status

import (
	"testing"

	"github.com/vendaflow/crmsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Connecting},
		{Booting, Error},
		{Connecting, Live},
		{Connecting, Reconnecting},
		{Live, Reconnecting},
		{Live, Degraded},
		{Reconnecting, Connecting},
		{Reconnecting, Live},
		{Degraded, Live},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Live); err == nil {
		t.Error("Transition(BOOTING -> LIVE) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "sync.status_changed" {
		t.Errorf("event kind = %q, want sync.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Connecting {
		t.Errorf("change = %v -> %v, want BOOTING -> CONNECTING", change.From, change.To)
	}
}

// TestDropReconnectCycle verifies the reconnect loop after a connection drop:
// LIVE → RECONNECTING → CONNECTING → LIVE
func TestDropReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Live)

	steps := []State{Reconnecting, Connecting, Live}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Live {
		t.Errorf("final state = %s, want LIVE", m.Current())
	}
}

// TestReconnectSkipsStraightToLive verifies that a fast resubscribe can go
// RECONNECTING → LIVE without passing through CONNECTING.
func TestReconnectSkipsStraightToLive(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Live)

	if err := m.Transition(Reconnecting); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Live); err != nil {
		t.Fatalf("RECONNECTING -> LIVE: %v", err)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		Connecting:   {Connecting},
		Live:         {Connecting, Live},
		Reconnecting: {Connecting, Live, Reconnecting},
		Degraded:     {Connecting, Live, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
