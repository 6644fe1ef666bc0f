package lifecycle

import (
	"fmt"
	"strings"
	"sync"
)

type State string

const (
	StateForeground State = "foreground"
	StateBackground State = "background"
)

func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StateForeground:
		return StateForeground, nil
	case StateBackground:
		return StateBackground, nil
	default:
		return "", fmt.Errorf("invalid app state %q, expected foreground|background", raw)
	}
}

// Broadcaster relays app foreground/background transitions reported by the
// host shell. Listeners only hear actual transitions.
type Broadcaster struct {
	mu        sync.Mutex
	current   State
	nextID    int
	listeners map[int]func(State)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		current:   StateForeground,
		listeners: map[int]func(State){},
	}
}

func (b *Broadcaster) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster) Subscribe(fn func(State)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Publish records state and notifies listeners when it differs from the
// previous one. It reports whether a transition happened.
func (b *Broadcaster) Publish(state State) bool {
	b.mu.Lock()
	if state == b.current {
		b.mu.Unlock()
		return false
	}
	b.current = state
	listeners := make([]func(State), 0, len(b.listeners))
	for _, listener := range b.listeners {
		listeners = append(listeners, listener)
	}
	b.mu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}
	return true
}
