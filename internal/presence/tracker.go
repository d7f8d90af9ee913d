// Package presence tracks who is online and who is typing. Typing is a
// self-expiring signal: setting it arms a timer (3s by default) that clears
// it unless the user types again first, so a stale indicator never sticks.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/store"
)

// DefaultTypingExpiry clears a typing indicator that was not refreshed.
const DefaultTypingExpiry = 3 * time.Second

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Tracker maintains presence rows and typing timers for local users.
type Tracker struct {
	db           *store.DB
	bus          *bus.Bus
	typingExpiry time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // userID -> typing expiry timer
	closed bool
}

// NewTracker creates a presence tracker. typingExpiry <= 0 falls back to the
// 3-second default.
func NewTracker(db *store.DB, b *bus.Bus, typingExpiry time.Duration, logger *zap.Logger) *Tracker {
	if typingExpiry <= 0 {
		typingExpiry = DefaultTypingExpiry
	}
	return &Tracker{
		db:           db,
		bus:          b,
		typingExpiry: typingExpiry,
		logger:       logger,
		timers:       make(map[string]*time.Timer),
	}
}

// UpdatePresence writes the user's status row and publishes the change.
// Going offline also clears any typing indicator.
func (t *Tracker) UpdatePresence(ctx context.Context, userID, displayName, status string) error {
	typing := ""
	if status != StatusOffline {
		if cur, err := t.db.GetPresence(ctx, userID); err == nil {
			typing = cur.TypingInConversation
			if displayName == "" {
				displayName = cur.DisplayName
			}
		}
	} else {
		t.cancelTimer(userID)
	}

	row := &store.Presence{
		UserID:               userID,
		DisplayName:          displayName,
		Status:               status,
		TypingInConversation: typing,
		LastSeenAt:           time.Now().UnixMilli(),
	}
	if err := t.db.UpsertPresence(ctx, row); err != nil {
		return err
	}
	t.publish(row)
	return nil
}

// SetTyping flips the user's typing indicator for a conversation. Setting it
// arms (or re-arms) the expiry timer; clearing it cancels the timer.
func (t *Tracker) SetTyping(ctx context.Context, userID, conversationID string, typing bool) error {
	cur, err := t.db.GetPresence(ctx, userID)
	if err == store.ErrNotFound {
		cur = &store.Presence{UserID: userID, Status: StatusOnline}
	} else if err != nil {
		return err
	}

	if !typing {
		t.cancelTimer(userID)
		if cur.TypingInConversation == "" {
			return nil
		}
		cur.TypingInConversation = ""
	} else {
		cur.TypingInConversation = conversationID
		t.armTimer(userID, conversationID)
	}
	cur.LastSeenAt = time.Now().UnixMilli()

	if err := t.db.UpsertPresence(ctx, cur); err != nil {
		return err
	}
	t.publish(cur)
	return nil
}

// armTimer schedules the auto-clear. A second call before expiry resets the
// countdown instead of stacking timers.
func (t *Tracker) armTimer(userID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
	}
	t.timers[userID] = time.AfterFunc(t.typingExpiry, func() {
		t.expireTyping(userID, conversationID)
	})
}

func (t *Tracker) cancelTimer(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}
}

func (t *Tracker) expireTyping(userID, conversationID string) {
	t.mu.Lock()
	delete(t.timers, userID)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, err := t.db.GetPresence(ctx, userID)
	if err != nil {
		return
	}
	// The user may have moved on to another conversation; only clear the
	// indicator this timer was armed for.
	if cur.TypingInConversation != conversationID {
		return
	}
	cur.TypingInConversation = ""
	if err := t.db.UpsertPresence(ctx, cur); err != nil {
		t.logger.Warn("typing expiry write failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	t.logger.Debug("typing indicator expired",
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID))
	t.publish(cur)
}

// Stop cancels all pending typing timers. Presence rows keep their last
// written state.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for userID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, userID)
	}
}

func (t *Tracker) publish(p *store.Presence) {
	t.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceUpdated,
		Timestamp: time.Now(),
		Payload: bus.PresenceUpdated{
			UserID:               p.UserID,
			DisplayName:          p.DisplayName,
			Status:               p.Status,
			TypingInConversation: p.TypingInConversation,
			LastSeenAt:           time.UnixMilli(p.LastSeenAt),
		},
	})
}
