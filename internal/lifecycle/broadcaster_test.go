package lifecycle

import "testing"

func TestPublishNotifiesOnlyOnTransitions(t *testing.T) {
	b := NewBroadcaster()

	received := make([]State, 0)
	unsubscribe := b.Subscribe(func(state State) {
		received = append(received, state)
	})

	if b.Publish(StateForeground) {
		t.Fatalf("expected foreground to be the initial state")
	}
	if !b.Publish(StateBackground) {
		t.Fatalf("expected background transition")
	}
	b.Publish(StateBackground)
	b.Publish(StateForeground)

	if len(received) != 2 || received[0] != StateBackground || received[1] != StateForeground {
		t.Fatalf("expected background then foreground, got %v", received)
	}

	unsubscribe()
	b.Publish(StateBackground)
	if len(received) != 2 {
		t.Fatalf("expected no notification after unsubscribe, got %v", received)
	}
	if b.Current() != StateBackground {
		t.Fatalf("expected current background, got %s", b.Current())
	}
}

func TestParseState(t *testing.T) {
	state, err := ParseState(" Background ")
	if err != nil || state != StateBackground {
		t.Fatalf("expected background, got %q (%v)", state, err)
	}
	if _, err := ParseState("inactive"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
