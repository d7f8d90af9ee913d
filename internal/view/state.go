// Package view composes the per-conversation screen state: the message
// timeline, pagination, presence, and send routing. A View is what a client
// renders; it owns the subscription for its conversation and tears it down
// on Close.
package view

import (
	"context"
	"time"

	"go.uber.org/zap"

	"careline/internal/message"
	"careline/internal/presence"
	"careline/internal/queue"
	"careline/internal/realtime"
	"careline/internal/store"
)

// SendOutcome reports how a send was routed. Queued sends carry a temp id
// instead of a persisted message id.
type SendOutcome struct {
	Queued bool           `json:"queued"`
	TempID string         `json:"temp_id,omitempty"`
	Result message.Result `json:"result"`
}

// Manager opens and closes conversation views.
type Manager struct {
	db       *store.DB
	messages *message.Service
	realtime *realtime.Manager
	queue    *queue.OfflineQueue
	presence *presence.Tracker

	pageSize        int
	autoMarkRead    bool
	presenceEnabled bool
	logger          *zap.Logger
}

// NewManager creates a view manager. With presenceEnabled false, views skip
// presence and typing updates entirely.
func NewManager(db *store.DB, msgs *message.Service, rt *realtime.Manager, q *queue.OfflineQueue, pr *presence.Tracker, pageSize int, autoMarkRead, presenceEnabled bool, logger *zap.Logger) *Manager {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Manager{
		db:              db,
		messages:        msgs,
		realtime:        rt,
		queue:           q,
		presence:        pr,
		pageSize:        pageSize,
		autoMarkRead:    autoMarkRead,
		presenceEnabled: presenceEnabled,
		logger:          logger,
	}
}

// View is one open conversation screen for one viewer.
type View struct {
	ConversationID string
	ViewerID       string

	mgr     *Manager
	session *realtime.Session
	loaded  int
	hasMore bool
}

// Open loads the newest page of a conversation, subscribes to its live
// stream, marks the viewer online, and (when configured) marks incoming
// messages read. The page arrives newest-first from the store and is merged
// ascending into the timeline.
func (m *Manager) Open(ctx context.Context, conversationID, viewerID string) (*View, error) {
	if _, err := m.db.GetConversationForUser(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}

	session, err := m.realtime.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := m.db.ListMessages(ctx, conversationID, 0, m.pageSize)
	if err != nil {
		m.realtime.Unsubscribe(conversationID)
		return nil, err
	}
	session.Merge(msgs)

	v := &View{
		ConversationID: conversationID,
		ViewerID:       viewerID,
		mgr:            m,
		session:        session,
		loaded:         len(msgs),
		hasMore:        len(msgs) == m.pageSize,
	}

	if m.presenceEnabled {
		if err := m.presence.UpdatePresence(ctx, viewerID, "", presence.StatusOnline); err != nil {
			m.logger.Warn("presence update on open failed", zap.String("user_id", viewerID), zap.Error(err))
		}
	}
	if m.autoMarkRead && len(msgs) > 0 {
		if res := m.messages.MarkAsRead(ctx, conversationID, viewerID); !res.Success {
			m.logger.Warn("auto mark-read failed",
				zap.String("conversation_id", conversationID),
				zap.String("error", res.Error))
		}
	}

	m.logger.Info("view opened",
		zap.String("conversation_id", conversationID),
		zap.String("viewer_id", viewerID),
		zap.Int("loaded", len(msgs)))
	return v, nil
}

// LoadMore fetches the next older page and merges it into the timeline.
// Returns whether more pages remain after this one.
func (v *View) LoadMore(ctx context.Context) (bool, error) {
	if !v.hasMore {
		return false, nil
	}
	msgs, err := v.mgr.db.ListMessages(ctx, v.ConversationID, v.loaded, v.mgr.pageSize)
	if err != nil {
		return v.hasMore, err
	}
	v.session.Merge(msgs)
	v.loaded += len(msgs)
	v.hasMore = len(msgs) == v.mgr.pageSize
	return v.hasMore, nil
}

// Send routes a message: straight through the send pipeline while online,
// into the offline queue otherwise. An online send that fails at the
// transport layer also falls back to the queue, so a flaky connection never
// drops the message; business failures (moderation, validation) are final
// and returned as-is. Queued sends succeed optimistically and surface later
// failures through queue events.
func (v *View) Send(ctx context.Context, content, messageType string) SendOutcome {
	if messageType == "" {
		messageType = store.TypeStandard
	}
	if v.mgr.queue.Online() {
		res := v.mgr.messages.SendMessage(ctx, v.ConversationID, v.ViewerID, content, messageType)
		if res.Success || res.Error != message.ErrRPC {
			return SendOutcome{Result: res}
		}
		v.mgr.logger.Warn("online send failed, queueing for retry",
			zap.String("conversation_id", v.ConversationID),
			zap.String("details", res.Details))
	}
	tempID := v.mgr.queue.Enqueue(ctx, v.ConversationID, v.ViewerID, content, messageType)
	return SendOutcome{
		Queued: true,
		TempID: tempID,
		Result: message.Result{Success: true, MessageID: tempID},
	}
}

// Reply routes a threaded reply. Replies are never queued; threading against
// a parent the server has not seen yet cannot succeed.
func (v *View) Reply(ctx context.Context, parentMessageID, content string) message.Result {
	return v.mgr.messages.ReplyToMessage(ctx, v.ConversationID, v.ViewerID, parentMessageID, content)
}

// MarkRead marks incoming messages read for the viewer.
func (v *View) MarkRead(ctx context.Context) message.Result {
	return v.mgr.messages.MarkAsRead(ctx, v.ConversationID, v.ViewerID)
}

// Typing flips the viewer's typing indicator for this conversation. A no-op
// when presence is disabled.
func (v *View) Typing(ctx context.Context, typing bool) error {
	if !v.mgr.presenceEnabled {
		return nil
	}
	return v.mgr.presence.SetTyping(ctx, v.ViewerID, v.ConversationID, typing)
}

// Messages returns the current timeline, ascending by (created_at, id), with
// moderation masking applied for the viewer.
func (v *View) Messages() []store.Message {
	msgs := v.session.Messages()
	for i := range msgs {
		if !message.ContentVisible(&msgs[i], v.ViewerID) {
			msgs[i].Content = message.HiddenPlaceholder
		}
	}
	return msgs
}

// QueuedMessages returns the pending optimistic entries for this
// conversation, FIFO.
func (v *View) QueuedMessages() []queue.QueuedMessage {
	var out []queue.QueuedMessage
	for _, m := range v.mgr.queue.Pending() {
		if m.ConversationID == v.ConversationID {
			out = append(out, m)
		}
	}
	return out
}

// IsOnline reports connectivity as the send pipeline sees it.
func (v *View) IsOnline() bool {
	return v.mgr.queue.Online()
}

// UnreadCount returns the number of inbound messages not yet marked read.
func (v *View) UnreadCount(ctx context.Context) (int, error) {
	return v.mgr.db.CountUnread(ctx, v.ConversationID, v.ViewerID)
}

// Presence returns the latest folded presence roster.
func (v *View) Presence() map[string]store.Presence {
	folded := v.session.Presence()
	out := make(map[string]store.Presence, len(folded))
	for id, p := range folded {
		out[id] = store.Presence{
			UserID:               p.UserID,
			DisplayName:          p.DisplayName,
			Status:               p.Status,
			TypingInConversation: p.TypingInConversation,
			LastSeenAt:           p.LastSeenAt.UnixMilli(),
		}
	}
	return out
}

// Updates exposes the coalesced change-notification channel.
func (v *View) Updates() <-chan struct{} {
	return v.session.Updates()
}

// HasMore reports whether older pages remain.
func (v *View) HasMore() bool {
	return v.hasMore
}

// ConversationStatus returns the latest known lifecycle status.
func (v *View) ConversationStatus() string {
	return v.session.ConversationStatus()
}

// Close tears the view down: typing cleared, subscription dropped, viewer
// marked offline.
func (v *View) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if v.mgr.presenceEnabled {
		if err := v.mgr.presence.SetTyping(ctx, v.ViewerID, v.ConversationID, false); err != nil {
			v.mgr.logger.Warn("typing clear on close failed", zap.Error(err))
		}
	}
	v.mgr.realtime.Unsubscribe(v.ConversationID)
	if v.mgr.presenceEnabled {
		if err := v.mgr.presence.UpdatePresence(ctx, v.ViewerID, "", presence.StatusOffline); err != nil {
			v.mgr.logger.Warn("presence update on close failed", zap.Error(err))
		}
	}
	v.mgr.logger.Info("view closed",
		zap.String("conversation_id", v.ConversationID),
		zap.String("viewer_id", v.ViewerID))
}
