package realtime

import "testing"

func TestMachineValidTransitions(t *testing.T) {
	m := newMachine("conv-1", nil)
	if m.Current() != Unsubscribed {
		t.Fatalf("initial state = %s", m.Current())
	}
	steps := []State{Subscribing, Subscribed, Failed, Subscribing, Subscribed, Unsubscribed}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := newMachine("conv-1", nil)
	if err := m.Transition(Subscribed); err == nil {
		t.Error("unsubscribed -> subscribed allowed, want error")
	}
	if m.Current() != Unsubscribed {
		t.Errorf("state changed on rejected transition: %s", m.Current())
	}
}
