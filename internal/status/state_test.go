package status

import (
	"testing"

	"github.com/matheus3301/chatcore/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
	if m.Hydrated() {
		t.Error("booting machine reports hydrated")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Hydrating},
		{Booting, Error},
		{Hydrating, Offline},
		{Offline, Connecting},
		{Offline, Online},
		{Offline, AuthRequired},
		{AuthRequired, Connecting},
		{Connecting, Online},
		{Online, Offline},
		{Online, Degraded},
		{Degraded, Online},
		{Error, Booting},
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
	if err := m.Transition(Online); err == nil {
		t.Error("Transition(BOOTING -> ONLINE) should fail; hydration comes first")
	}
	walkTo(t, m, Offline)
	if err := m.Transition(Hydrating); err == nil {
		t.Error("Transition(OFFLINE -> HYDRATING) should fail")
	}
}

func TestSetIsIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Online)
	for len(ch) > 0 {
		<-ch
	}
	if err := m.Set(Online); err != nil {
		t.Fatalf("Set(current) = %v", err)
	}
	if len(ch) != 0 {
		t.Error("Set(current) emitted an event")
	}
	if err := m.Set(Offline); err != nil {
		t.Fatal(err)
	}
	if m.IsOnline() {
		t.Error("offline machine reports online")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Hydrating); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.ConnectivityChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.ConnectivityChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Hydrating {
		t.Errorf("change = %v -> %v, want BOOTING -> HYDRATING", change.From, change.To)
	}
}

// TestColdStartThenReconnect walks a full session:
// BOOTING → HYDRATING → OFFLINE → CONNECTING → ONLINE → OFFLINE → ONLINE
func TestColdStartThenReconnect(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Hydrating, Offline, Connecting, Online, Offline, Online}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Hydrated() || !m.IsOnline() {
		t.Errorf("final state = %s, want hydrated and online", m.Current())
	}
}

// TestPairingLifecycle covers a first run that needs QR pairing:
// OFFLINE → AUTH_REQUIRED → CONNECTING → ONLINE
func TestPairingLifecycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Offline)

	if err := m.Transition(Online); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(AuthRequired); err != nil {
		t.Fatalf("ONLINE -> AUTH_REQUIRED: %v", err)
	}
	for _, s := range []State{Connecting, Online} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		Hydrating:    {Hydrating},
		Offline:      {Hydrating, Offline},
		AuthRequired: {Hydrating, Offline, AuthRequired},
		Connecting:   {Hydrating, Offline, Connecting},
		Online:       {Hydrating, Offline, Online},
		Degraded:     {Hydrating, Offline, Online, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
