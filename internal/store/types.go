package store

import "errors"

// Conversation lifecycle statuses.
const (
	ConversationPending  = "pending"
	ConversationAccepted = "accepted"
	ConversationRejected = "rejected"
	ConversationActive   = "active"
	ConversationBlocked  = "blocked"
)

// Message types.
const (
	TypeStandard        = "standard"
	TypeContactExchange = "contact_exchange"
	TypeSensitive       = "sensitive"
	TypeSystem          = "system"
	TypeThreadReply     = "thread_reply"
)

// Message moderation statuses.
const (
	ModerationApproved = "approved"
	ModerationPending  = "pending"
	ModerationHidden   = "hidden"
)

// Message encryption statuses.
const (
	EncryptionNone      = "none"
	EncryptionEncrypted = "encrypted"
	EncryptionFailed    = "failed"
)

// Message delivery statuses.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// HelpRequest is the originating request a conversation is tied to.
type HelpRequest struct {
	ID        string
	OwnerID   string
	Title     string
	Category  string
	Urgency   string
	Status    string
	CreatedAt int64
}

// Conversation is the two-party thread between a requester and a helper.
type Conversation struct {
	ID            string
	HelpRequestID string
	RequesterID   string
	HelperID      string
	Status        string
	CreatedAt     int64
	LastMessageAt int64
}

// OtherParticipant returns the participant that is not userID, or "" if
// userID is not a participant.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.RequesterID:
		return c.HelperID
	case c.HelperID:
		return c.RequesterID
	}
	return ""
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.RequesterID || userID == c.HelperID
}

// Message is a persisted conversation message. Content holds ciphertext when
// EncryptionStatus is "encrypted".
type Message struct {
	ID               string
	ConversationID   string
	SenderID         string
	RecipientID      string
	Content          string
	MessageType      string
	ParentMessageID  string
	ModerationStatus string
	EncryptionStatus string
	Status           string
	CreatedAt        int64
}

// Profile holds display identity for a user.
type Profile struct {
	UserID      string
	DisplayName string
	Location    string
}

// Presence is a live-status row, rebuilt from sync plus incremental deltas.
type Presence struct {
	UserID               string
	DisplayName          string
	Status               string
	TypingInConversation string
	LastSeenAt           int64
}
