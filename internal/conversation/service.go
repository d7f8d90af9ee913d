// Package conversation owns the conversation lifecycle: creation from a help
// offer, and the requester's accept/reject decision. Creation is atomic with
// its initial message so a conversation never exists empty.
package conversation

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/message"
	"careline/internal/moderation"
	"careline/internal/observability"
	"careline/internal/store"
)

// ErrConversationExists marks a duplicate offer on the same help request by
// the same helper. The result carries the existing conversation id so the
// caller can open it instead.
const ErrConversationExists = "conversation_exists"

// Result is the typed outcome of a conversation operation.
type Result struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Details        string `json:"details,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Service implements conversation lifecycle operations.
type Service struct {
	db         *store.DB
	bus        *bus.Bus
	moderator  message.Moderator
	encryptor  message.Encryptor
	encryptAll bool
	logger     *zap.Logger
}

// NewService creates a conversation service. The moderation and encryption
// gateways are the same ones the message service uses; the initial message
// goes through the identical pipeline.
func NewService(db *store.DB, b *bus.Bus, m message.Moderator, e message.Encryptor, encryptAll bool, logger *zap.Logger) *Service {
	return &Service{db: db, bus: b, moderator: m, encryptor: e, encryptAll: encryptAll, logger: logger}
}

// CreateHelpConversation opens a conversation between a helper and the owner
// of a help request, seeded with the helper's initial message. A repeated
// offer on the same (help request, helper) pairing returns the existing
// conversation id with error "conversation_exists" and writes nothing.
func (s *Service) CreateHelpConversation(ctx context.Context, helpRequestID, helperID, initialContent string) Result {
	if !message.ValidIdentifier(helpRequestID) || !message.ValidIdentifier(helperID) {
		return Result{Error: message.ErrInvalidInput, Details: "malformed identifier"}
	}
	trimmed := strings.TrimSpace(initialContent)
	if utf8.RuneCountInString(trimmed) < 10 || utf8.RuneCountInString(initialContent) > 1000 {
		return Result{Error: message.ErrInvalidInput, Details: "initial message must be between 10 and 1000 characters"}
	}

	req, err := s.db.GetHelpRequest(ctx, helpRequestID)
	if err == store.ErrNotFound {
		return Result{Error: message.ErrNotFound, Details: "help request not found"}
	}
	if err != nil {
		return Result{Error: message.ErrRPC, Details: err.Error()}
	}
	if req.OwnerID == helperID {
		return Result{Error: message.ErrInvalidInput, Details: "cannot offer help on your own request"}
	}

	// Moderation gates plaintext, strictly before encryption.
	modRes := s.moderator.Score(initialContent)
	if modRes.Rejected() {
		observability.IncModerationRejection()
		s.logger.Warn("initial message rejected by moderation",
			zap.String("help_request_id", helpRequestID),
			zap.Strings("categories", modRes.Categories))
		return Result{Error: message.ErrContentModerated, Details: modRes.Explanation}
	}
	moderationStatus := store.ModerationApproved
	if modRes.Action == moderation.ActionReview {
		moderationStatus = store.ModerationPending
	}

	stored := initialContent
	encryptionStatus := store.EncryptionNone
	if s.encryptor.Enabled() && s.encryptAll {
		convID := uuid.New().String()
		encRes := s.encryptor.Encrypt(initialContent, helperID, req.OwnerID, convID)
		stored = encRes.Ciphertext
		encryptionStatus = encRes.Status
		return s.create(ctx, convID, req, helperID, stored, moderationStatus, encryptionStatus)
	}
	return s.create(ctx, uuid.New().String(), req, helperID, stored, moderationStatus, encryptionStatus)
}

func (s *Service) create(ctx context.Context, convID string, req *store.HelpRequest, helperID, stored, moderationStatus, encryptionStatus string) Result {
	now := time.Now().UnixMilli()
	conv := &store.Conversation{
		ID:            convID,
		HelpRequestID: req.ID,
		RequesterID:   req.OwnerID,
		HelperID:      helperID,
		Status:        store.ConversationPending,
		CreatedAt:     now,
	}
	initial := &store.Message{
		ID:               uuid.New().String(),
		SenderID:         helperID,
		RecipientID:      req.OwnerID,
		Content:          stored,
		MessageType:      store.TypeStandard,
		ModerationStatus: moderationStatus,
		EncryptionStatus: encryptionStatus,
		Status:           store.StatusSent,
		CreatedAt:        now,
	}

	id, created, err := s.db.CreateConversationAtomic(ctx, conv, initial)
	if err != nil {
		return Result{Error: message.ErrRPC, Details: err.Error()}
	}
	if !created {
		return Result{Error: ErrConversationExists, ConversationID: id}
	}

	observability.IncMessageSent(store.TypeStandard)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   bus.ConversationUpdated{ConversationID: id, Status: store.ConversationPending},
	})
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageInserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageInserted{ConversationID: id, MessageID: initial.ID},
	})
	s.logger.Info("conversation created",
		zap.String("conversation_id", id),
		zap.String("help_request_id", req.ID))
	return Result{Success: true, ConversationID: id}
}

// AcceptOffer moves a pending conversation to accepted. Only the requester
// decides; repeating the call once accepted (or active) is a no-op success.
func (s *Service) AcceptOffer(ctx context.Context, conversationID, userID string) Result {
	return s.decide(ctx, conversationID, userID, store.ConversationAccepted,
		[]string{store.ConversationAccepted, store.ConversationActive})
}

// RejectOffer moves a pending conversation to rejected. Repeating the call
// once rejected is a no-op success.
func (s *Service) RejectOffer(ctx context.Context, conversationID, userID string) Result {
	return s.decide(ctx, conversationID, userID, store.ConversationRejected,
		[]string{store.ConversationRejected})
}

// decide applies the requester's decision as an ensure-final-state
// transition: reaching a state already in settled reports success without a
// write or an event.
func (s *Service) decide(ctx context.Context, conversationID, userID, target string, settled []string) Result {
	if !message.ValidIdentifier(conversationID) || !message.ValidIdentifier(userID) {
		return Result{Error: message.ErrInvalidInput}
	}
	conv, err := s.db.GetConversationForUser(ctx, conversationID, userID)
	if err == store.ErrNotFound {
		return Result{Error: message.ErrNotFound}
	}
	if err == store.ErrPermissionDenied {
		return Result{Error: message.ErrPermissionDenied}
	}
	if err != nil {
		return Result{Error: message.ErrRPC, Details: err.Error()}
	}
	if conv.RequesterID != userID {
		return Result{Error: message.ErrPermissionDenied, Details: "only the requester can decide on an offer"}
	}
	for _, st := range settled {
		if conv.Status == st {
			return Result{Success: true, ConversationID: conversationID}
		}
	}
	if conv.Status != store.ConversationPending {
		return Result{Error: message.ErrInvalidInput, Details: "conversation is not awaiting a decision"}
	}

	if err := s.db.UpdateConversationStatus(ctx, conversationID, target); err != nil {
		return Result{Error: message.ErrRPC, Details: err.Error()}
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   bus.ConversationUpdated{ConversationID: conversationID, Status: target},
	})
	s.logger.Info("conversation decision applied",
		zap.String("conversation_id", conversationID),
		zap.String("status", target))
	return Result{Success: true, ConversationID: conversationID}
}

// ListForUser returns the user's conversations, most recent activity first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]store.Conversation, Result) {
	if !message.ValidIdentifier(userID) {
		return nil, Result{Error: message.ErrInvalidInput}
	}
	convs, err := s.db.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, Result{Error: message.ErrRPC, Details: err.Error()}
	}
	return convs, Result{Success: true}
}
