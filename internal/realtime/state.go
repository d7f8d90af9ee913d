package realtime

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"careline/internal/bus"
)

// State represents a subscription channel state.
type State string

const (
	Unsubscribed State = "UNSUBSCRIBED"
	Subscribing  State = "SUBSCRIBING"
	Subscribed   State = "SUBSCRIBED"
	Failed       State = "FAILED"
)

// validTransitions defines allowed channel state transitions.
var validTransitions = map[State][]State{
	Unsubscribed: {Subscribing},
	Subscribing:  {Subscribed, Failed, Unsubscribed},
	Subscribed:   {Unsubscribed, Failed},
	Failed:       {Subscribing, Unsubscribed},
}

// machine tracks and enforces subscription state transitions for one
// conversation channel.
type machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
}

func newMachine(conversationID string, b *bus.Bus) *machine {
	return &machine{
		current:        Unsubscribed,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindChannelStateChanged,
			Timestamp: time.Now(),
			Payload: ChannelStateChange{
				ConversationID: m.conversationID,
				From:           from,
				To:             to,
			},
		})
	}
	return nil
}

// ChannelStateChange is the payload for channel state change events.
type ChannelStateChange struct {
	ConversationID string
	From           State
	To             State
}
