package ws

import (
	"context"

	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/encryption"
	"careline/internal/message"
	"careline/internal/observability"
	"careline/internal/store"
)

// Event is the wire envelope pushed to websocket clients.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	ReaderID       string          `json:"reader_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Presence       *store.Presence `json:"presence,omitempty"`
}

// MessagePayload is a message as delivered over the socket. Content is
// plaintext; encrypted bodies are opened server-side and failures carry the
// fixed placeholder.
type MessagePayload struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversation_id"`
	SenderID         string `json:"sender_id"`
	RecipientID      string `json:"recipient_id"`
	Content          string `json:"content"`
	MessageType      string `json:"message_type"`
	ParentMessageID  string `json:"parent_message_id,omitempty"`
	ModerationStatus string `json:"moderation_status"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"`
}

// Bridge forwards bus events into websocket rooms.
type Bridge struct {
	hub       *Hub
	db        *store.DB
	bus       *bus.Bus
	decryptor message.Encryptor
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewBridge creates a bus-to-websocket bridge.
func NewBridge(h *Hub, db *store.DB, b *bus.Bus, d message.Encryptor, logger *zap.Logger) *Bridge {
	return &Bridge{hub: h, db: db, bus: b, decryptor: d, logger: logger}
}

// Start begins forwarding bus events.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	events, unsubscribe := br.bus.Subscribe("", 128)
	br.done = make(chan struct{})
	go func() {
		defer close(br.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				br.forward(ctx, evt)
			}
		}
	}()
}

// Stop halts forwarding.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
		<-br.done
	}
}

func (br *Bridge) forward(ctx context.Context, evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case bus.MessageInserted:
		msg, err := br.db.GetMessage(ctx, payload.MessageID)
		if err != nil {
			br.logger.Warn("ws bridge: message fetch failed",
				zap.String("message_id", payload.MessageID),
				zap.Error(err))
			return
		}
		observability.IncWSEvent("message")
		br.hub.BroadcastEach(payload.ConversationID, func(userID string) any {
			return Event{
				Type:           "message",
				ConversationID: payload.ConversationID,
				Message:        br.payload(msg, userID),
			}
		})
	case bus.MessageRead:
		observability.IncWSEvent("read")
		br.hub.Broadcast(payload.ConversationID, Event{
			Type:           "read",
			ConversationID: payload.ConversationID,
			ReaderID:       payload.ReaderID,
		})
	case bus.ConversationUpdated:
		observability.IncWSEvent("conversation")
		br.hub.Broadcast(payload.ConversationID, Event{
			Type:           "conversation",
			ConversationID: payload.ConversationID,
			Status:         payload.Status,
		})
	case bus.PresenceUpdated:
		observability.IncWSEvent("presence")
		br.hub.BroadcastPresence(Event{
			Type: "presence",
			Presence: &store.Presence{
				UserID:               payload.UserID,
				DisplayName:          payload.DisplayName,
				Status:               payload.Status,
				TypingInConversation: payload.TypingInConversation,
				LastSeenAt:           payload.LastSeenAt.UnixMilli(),
			},
		})
	}
}

// payload renders a message for one viewer. Encrypted bodies are opened
// server-side; content the viewer may not read is masked before it reaches
// the socket.
func (br *Bridge) payload(m *store.Message, viewerID string) *MessagePayload {
	content := m.Content
	switch {
	case !message.ContentVisible(m, viewerID):
		content = message.HiddenPlaceholder
	case m.EncryptionStatus == store.EncryptionEncrypted:
		plain := br.decryptor.Decrypt(m.Content, m.SenderID, m.RecipientID, m.ConversationID)
		if !plain.Success {
			observability.IncDecryptFailure()
			content = encryption.FailedPlaceholder
		} else {
			content = plain.Content
		}
	}
	return &MessagePayload{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		RecipientID:      m.RecipientID,
		Content:          content,
		MessageType:      m.MessageType,
		ParentMessageID:  m.ParentMessageID,
		ModerationStatus: m.ModerationStatus,
		Status:           m.Status,
		CreatedAt:        m.CreatedAt,
	}
}
