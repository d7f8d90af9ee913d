package bus

import "time"

// Event kinds published on the bus. Message and presence events carry the
// typed payloads below; queue and channel events carry small maps.
const (
	KindMessageInserted      = "message.inserted"
	KindMessageRead          = "message.read"
	KindConversationUpdated  = "conversation.updated"
	KindPresenceUpdated      = "presence.updated"
	KindQueueDrained         = "queue.drained"
	KindQueueTerminalFailure = "queue.terminal_failure"
	KindChannelStateChanged  = "channel.state_changed"
)

// Event represents a change notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageInserted is the payload for message.inserted events. Content is the
// at-rest form: ciphertext when the row is encrypted.
type MessageInserted struct {
	ConversationID string
	MessageID      string
}

// MessageRead is the payload for message.read events.
type MessageRead struct {
	ConversationID string
	ReaderID       string
}

// ConversationUpdated is the payload for conversation.updated events.
type ConversationUpdated struct {
	ConversationID string
	Status         string
}

// PresenceUpdated is the payload for presence.updated events.
type PresenceUpdated struct {
	UserID               string
	DisplayName          string
	Status               string
	TypingInConversation string
	LastSeenAt           time.Time
}

// QueueFailure is the payload for queue.terminal_failure events.
type QueueFailure struct {
	TempID   string
	Attempts int
	Reason   string
}
