// Package message owns single-message operations: send, fetch, read
// receipts. Each operation maps to one atomic unit of work against the
// store; outcomes are typed results, never panics.
package message

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/encryption"
	"careline/internal/moderation"
	"careline/internal/observability"
	"careline/internal/store"
)

// Error codes carried by Result. Business-logic failures are expected, named
// outcomes; "rpc_error" marks retryable transport failures.
const (
	ErrInvalidInput        = "invalid_input"
	ErrNotFound            = "not_found"
	ErrPermissionDenied    = "permission_denied"
	ErrConversationBlocked = "conversation_blocked"
	ErrContentModerated    = "content_moderated"
	ErrRPC                 = "rpc_error"
)

// HiddenPlaceholder replaces the content of messages a viewer may not read.
const HiddenPlaceholder = "[Message hidden]"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidIdentifier reports whether s is a well-formed entity identifier.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Result is the typed outcome of a message operation.
type Result struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// ConversationPage is the outcome of GetConversation.
type ConversationPage struct {
	Success      bool                `json:"success"`
	Error        string              `json:"error,omitempty"`
	Details      string              `json:"details,omitempty"`
	Conversation *store.Conversation `json:"conversation,omitempty"`
	Messages     []store.Message     `json:"messages,omitempty"`
	HasMore      bool                `json:"has_more"`
	UnreadCount  int                 `json:"unread_count"`
}

// Moderator scores plaintext content before persistence.
type Moderator interface {
	Score(content string) moderation.Result
}

// Encryptor seals and opens message bodies.
type Encryptor interface {
	Enabled() bool
	Encrypt(content, senderID, recipientID, conversationID string) encryption.Result
	Decrypt(ciphertext, senderID, recipientID, conversationID string) encryption.Plaintext
}

// Service implements message operations over the store and gateways.
type Service struct {
	db         *store.DB
	bus        *bus.Bus
	moderator  Moderator
	encryptor  Encryptor
	encryptAll bool
	pageSize   int
	logger     *zap.Logger
}

// NewService creates a message service. encryptAll forces encryption for
// standard messages as well; sensitive types are always encrypted when the
// encryptor is enabled.
func NewService(db *store.DB, b *bus.Bus, m Moderator, e Encryptor, encryptAll bool, pageSize int, logger *zap.Logger) *Service {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Service{
		db:         db,
		bus:        b,
		moderator:  m,
		encryptor:  e,
		encryptAll: encryptAll,
		pageSize:   pageSize,
		logger:     logger,
	}
}

// SendMessage validates, moderates, encrypts, and persists one message.
// Moderation sees plaintext before encryption; a rejected message is never
// persisted and the encryptor is never invoked for it.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, content, messageType string) Result {
	if messageType == "" {
		messageType = store.TypeStandard
	}
	return s.send(ctx, conversationID, senderID, content, messageType, "")
}

// ReplyToMessage sends a threaded reply to an existing message.
func (s *Service) ReplyToMessage(ctx context.Context, conversationID, senderID, parentMessageID, content string) Result {
	if !ValidIdentifier(parentMessageID) {
		return Result{Error: ErrInvalidInput, Details: "malformed parent message id"}
	}
	parent, err := s.db.GetMessage(ctx, parentMessageID)
	if err == store.ErrNotFound {
		return Result{Error: ErrNotFound, Details: "parent message not found"}
	}
	if err != nil {
		return Result{Error: ErrRPC, Details: err.Error()}
	}
	if parent.ConversationID != conversationID {
		return Result{Error: ErrInvalidInput, Details: "parent message belongs to another conversation"}
	}
	return s.send(ctx, conversationID, senderID, content, store.TypeThreadReply, parentMessageID)
}

func (s *Service) send(ctx context.Context, conversationID, senderID, content, messageType, parentMessageID string) Result {
	if !ValidIdentifier(conversationID) || !ValidIdentifier(senderID) {
		return Result{Error: ErrInvalidInput, Details: "malformed identifier"}
	}
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 1 || utf8.RuneCountInString(content) > 1000 {
		return Result{Error: ErrInvalidInput, Details: "content length must be between 1 and 1000 characters"}
	}

	conv, err := s.db.GetConversationForUser(ctx, conversationID, senderID)
	if err == store.ErrNotFound {
		return Result{Error: ErrNotFound}
	}
	if err == store.ErrPermissionDenied {
		return Result{Error: ErrPermissionDenied}
	}
	if err != nil {
		return Result{Error: ErrRPC, Details: err.Error()}
	}
	if conv.Status == store.ConversationBlocked || conv.Status == store.ConversationRejected {
		return Result{Error: ErrConversationBlocked}
	}
	recipientID := conv.OtherParticipant(senderID)

	// Moderation gates plaintext, strictly before encryption.
	modRes := s.moderator.Score(content)
	if modRes.Rejected() {
		observability.IncModerationRejection()
		s.logger.Warn("message rejected by moderation",
			zap.String("conversation_id", conversationID),
			zap.Strings("categories", modRes.Categories))
		return Result{Error: ErrContentModerated, Details: modRes.Explanation}
	}
	moderationStatus := store.ModerationApproved
	if modRes.Action == moderation.ActionReview {
		moderationStatus = store.ModerationPending
	}

	stored := content
	encryptionStatus := store.EncryptionNone
	if s.shouldEncrypt(messageType) {
		encRes := s.encryptor.Encrypt(content, senderID, recipientID, conversationID)
		stored = encRes.Ciphertext
		encryptionStatus = encRes.Status
	}

	msg := &store.Message{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		RecipientID:      recipientID,
		Content:          stored,
		MessageType:      messageType,
		ParentMessageID:  parentMessageID,
		ModerationStatus: moderationStatus,
		EncryptionStatus: encryptionStatus,
		Status:           store.StatusSent,
		CreatedAt:        time.Now().UnixMilli(),
	}
	if err := s.db.InsertMessage(ctx, msg); err != nil {
		return Result{Error: ErrRPC, Details: err.Error()}
	}

	observability.IncMessageSent(messageType)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageInserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageInserted{ConversationID: conversationID, MessageID: msg.ID},
	})

	return Result{Success: true, MessageID: msg.ID}
}

func (s *Service) shouldEncrypt(messageType string) bool {
	if !s.encryptor.Enabled() {
		return false
	}
	return s.encryptAll || messageType != store.TypeStandard
}

// GetConversation returns a page of messages for a participant, newest page
// by offset. Hidden content is masked before it leaves the service; access
// control happens in the store, not by caller-side filtering.
func (s *Service) GetConversation(ctx context.Context, conversationID, requesterID string, offset int) ConversationPage {
	if !ValidIdentifier(conversationID) || !ValidIdentifier(requesterID) {
		return ConversationPage{Error: ErrInvalidInput}
	}

	conv, err := s.db.GetConversationForUser(ctx, conversationID, requesterID)
	if err == store.ErrNotFound {
		return ConversationPage{Error: ErrNotFound}
	}
	if err == store.ErrPermissionDenied {
		return ConversationPage{Error: ErrPermissionDenied}
	}
	if err != nil {
		return ConversationPage{Error: ErrRPC, Details: err.Error()}
	}

	msgs, err := s.db.ListMessages(ctx, conversationID, offset, s.pageSize)
	if err != nil {
		return ConversationPage{Error: ErrRPC, Details: err.Error()}
	}
	for i := range msgs {
		if !ContentVisible(&msgs[i], requesterID) {
			msgs[i].Content = HiddenPlaceholder
		}
	}

	unread, err := s.db.CountUnread(ctx, conversationID, requesterID)
	if err != nil {
		return ConversationPage{Error: ErrRPC, Details: err.Error()}
	}

	return ConversationPage{
		Success:      true,
		Conversation: conv,
		Messages:     msgs,
		HasMore:      len(msgs) == s.pageSize,
		UnreadCount:  unread,
	}
}

// MarkAsRead bulk-transitions unread messages addressed to userID to read
// and notifies subscribers.
func (s *Service) MarkAsRead(ctx context.Context, conversationID, userID string) Result {
	if !ValidIdentifier(conversationID) || !ValidIdentifier(userID) {
		return Result{Error: ErrInvalidInput}
	}
	if _, err := s.db.GetConversationForUser(ctx, conversationID, userID); err != nil {
		switch err {
		case store.ErrNotFound:
			return Result{Error: ErrNotFound}
		case store.ErrPermissionDenied:
			return Result{Error: ErrPermissionDenied}
		default:
			return Result{Error: ErrRPC, Details: err.Error()}
		}
	}

	n, err := s.db.MarkMessagesRead(ctx, conversationID, userID)
	if err != nil {
		return Result{Error: ErrRPC, Details: err.Error()}
	}
	if n > 0 {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageRead,
			Timestamp: time.Now(),
			Payload:   bus.MessageRead{ConversationID: conversationID, ReaderID: userID},
		})
	}
	return Result{Success: true}
}

// GetThread returns a parent message and its replies for a participant.
func (s *Service) GetThread(ctx context.Context, conversationID, requesterID, parentMessageID string) ([]store.Message, Result) {
	if _, err := s.db.GetConversationForUser(ctx, conversationID, requesterID); err != nil {
		switch err {
		case store.ErrNotFound:
			return nil, Result{Error: ErrNotFound}
		case store.ErrPermissionDenied:
			return nil, Result{Error: ErrPermissionDenied}
		default:
			return nil, Result{Error: ErrRPC, Details: err.Error()}
		}
	}
	msgs, err := s.db.ListThread(ctx, parentMessageID)
	if err != nil {
		return nil, Result{Error: ErrRPC, Details: err.Error()}
	}
	for i := range msgs {
		if !ContentVisible(&msgs[i], requesterID) {
			msgs[i].Content = HiddenPlaceholder
		}
	}
	return msgs, Result{Success: true}
}

// ContentVisible reports whether the viewer may read a message body.
// Approved is readable by both participants; pending only by its sender;
// hidden by nobody. Every surface that hands content to a viewer applies
// this rule, push paths included.
func ContentVisible(m *store.Message, viewerID string) bool {
	switch m.ModerationStatus {
	case store.ModerationApproved:
		return true
	case store.ModerationPending:
		return m.SenderID == viewerID
	}
	return false
}
