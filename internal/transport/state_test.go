package transport

import (
	"testing"
	"time"

	"github.com/lumachat/chatsync/internal/bus"
)

func TestMachineTransitions(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Fatalf("initial state = %v", m.Current())
	}

	steps := []State{Connecting, Connected, Disconnected, Connecting, Failed, Connecting}
	for _, to := range steps {
		if err := m.Transition(to, "r1", ""); err != nil {
			t.Fatalf("transition to %v: %v", to, err)
		}
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected, "r1", ""); err == nil {
		t.Error("Disconnected -> Connected should be rejected")
	}
	if m.Current() != Disconnected {
		t.Errorf("failed transition mutated state to %v", m.Current())
	}
}

func TestMachineSameStateNoOp(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.state", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Disconnected, "", ""); err != nil {
		t.Fatalf("same-state transition should be a no-op, got %v", err)
	}

	select {
	case evt := <-ch:
		t.Errorf("no-op transition published %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMachinePublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.state", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting, "r1", ""); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StateChange)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting || change.RoomID != "r1" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state event")
	}
}

func TestClassifyCode(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{"session-expired", "transport_auth"},
		{"misconfiguration", "validation"},
		{"permission-denied", "forbidden"},
		{"something-new", "unknown"},
	}
	for _, tc := range cases {
		kind, reason := classifyCode(tc.code)
		if kind.String() != tc.want {
			t.Errorf("classifyCode(%q) = %v, want %v", tc.code, kind, tc.want)
		}
		if reason == "" {
			t.Errorf("classifyCode(%q) has no remediation", tc.code)
		}
	}
}
