// Package realtime maintains live per-conversation message views. Each
// subscription tracks a channel state machine, merges inserted messages from
// the bus into an in-memory timeline, and folds presence updates into a
// roster. Merges deduplicate by message id and keep the timeline ordered by
// (created_at, id) no matter the arrival order.
package realtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/encryption"
	"careline/internal/message"
	"careline/internal/observability"
	"careline/internal/store"
)

// Manager owns the live subscriptions, keyed by conversation id.
type Manager struct {
	db        *store.DB
	bus       *bus.Bus
	decryptor message.Encryptor
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	refs     map[string]int
}

// NewManager creates a realtime subscription manager.
func NewManager(db *store.DB, b *bus.Bus, d message.Encryptor, logger *zap.Logger) *Manager {
	return &Manager{
		db:        db,
		bus:       b,
		decryptor: d,
		logger:    logger,
		sessions:  make(map[string]*Session),
		refs:      make(map[string]int),
	}
}

// Session is one live conversation view. Messages are kept ascending by
// (created_at, id); Updates coalesces change notifications.
type Session struct {
	conversationID string

	state   *machine
	updates chan struct{}
	cancel  func()
	done    chan struct{}

	mu       sync.RWMutex
	messages []store.Message
	byID     map[string]int
	presence map[string]bus.PresenceUpdated
	status   string

	mgr *Manager
}

// Subscribe opens a live view on a conversation. Sessions are shared and
// refcounted: a second subscriber to the same conversation joins the
// existing timeline, and the session only tears down once every subscriber
// has unsubscribed.
func (m *Manager) Subscribe(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conversationID]; ok {
		m.refs[conversationID]++
		return s, nil
	}

	s := &Session{
		conversationID: conversationID,
		state:          newMachine(conversationID, m.bus),
		updates:        make(chan struct{}, 1),
		byID:           make(map[string]int),
		presence:       make(map[string]bus.PresenceUpdated),
		mgr:            m,
	}
	// A failed connect still registers the session so RetryConnection can
	// recover it later.
	m.sessions[conversationID] = s
	m.refs[conversationID] = 1
	if err := s.connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Unsubscribe drops one subscriber. The session is torn down when the last
// subscriber leaves.
func (m *Manager) Unsubscribe(conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if ok {
		m.refs[conversationID]--
		if m.refs[conversationID] > 0 {
			m.mu.Unlock()
			return
		}
		delete(m.sessions, conversationID)
		delete(m.refs, conversationID)
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

// Close tears down every live session regardless of subscriber counts.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.refs = make(map[string]int)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// RetryConnection re-arms a failed session. It is a no-op for sessions that
// are already subscribed.
func (m *Manager) RetryConnection(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	m.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if s.state.Current() == Subscribed {
		return nil
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.state.Transition(Subscribing); err != nil {
		return err
	}
	conv, err := s.mgr.db.GetConversation(ctx, s.conversationID)
	if err != nil {
		_ = s.state.Transition(Failed)
		return err
	}
	s.mu.Lock()
	s.status = conv.Status
	s.mu.Unlock()

	events, cancel := s.mgr.bus.Subscribe("", 64)
	loopCtx, cancelCtx := context.WithCancel(context.Background())
	s.cancel = func() {
		cancel()
		cancelCtx()
	}
	s.done = make(chan struct{})
	go s.loop(loopCtx, events)

	if err := s.state.Transition(Subscribed); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *Session) close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	_ = s.state.Transition(Unsubscribed)
}

func (s *Session) loop(ctx context.Context, events <-chan bus.Event) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.handle(ctx, evt)
		}
	}
}

func (s *Session) handle(ctx context.Context, evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case bus.MessageInserted:
		if payload.ConversationID != s.conversationID {
			return
		}
		msg, err := s.mgr.db.GetMessage(ctx, payload.MessageID)
		if err != nil {
			s.mgr.logger.Warn("realtime: inserted message fetch failed",
				zap.String("message_id", payload.MessageID),
				zap.Error(err))
			return
		}
		s.Merge([]store.Message{*msg})
	case bus.MessageRead:
		if payload.ConversationID != s.conversationID {
			return
		}
		s.markRead(payload.ReaderID)
		s.notify()
	case bus.ConversationUpdated:
		if payload.ConversationID != s.conversationID {
			return
		}
		s.mu.Lock()
		s.status = payload.Status
		s.mu.Unlock()
		s.notify()
	case bus.PresenceUpdated:
		s.fold(payload)
		s.notify()
	}
}

// Merge inserts messages into the timeline. Already-known ids update in
// place; the timeline is re-sorted by (created_at, id) after every merge so
// out-of-order arrivals land where they belong.
func (s *Session) Merge(msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	changed := false
	for _, m := range msgs {
		s.decrypt(&m)
		if i, ok := s.byID[m.ID]; ok {
			s.messages[i] = m
			changed = true
			continue
		}
		s.messages = append(s.messages, m)
		changed = true
	}
	if changed {
		sort.Slice(s.messages, func(i, j int) bool {
			if s.messages[i].CreatedAt != s.messages[j].CreatedAt {
				return s.messages[i].CreatedAt < s.messages[j].CreatedAt
			}
			return s.messages[i].ID < s.messages[j].ID
		})
		for i := range s.messages {
			s.byID[s.messages[i].ID] = i
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// decrypt opens encrypted bodies in place. A failed open leaves the fixed
// placeholder; the session keeps running.
func (s *Session) decrypt(m *store.Message) {
	if m.EncryptionStatus != store.EncryptionEncrypted {
		return
	}
	plain := s.mgr.decryptor.Decrypt(m.Content, m.SenderID, m.RecipientID, m.ConversationID)
	if !plain.Success {
		observability.IncDecryptFailure()
		m.Content = encryption.FailedPlaceholder
		m.EncryptionStatus = store.EncryptionFailed
		return
	}
	m.Content = plain.Content
}

func (s *Session) markRead(readerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].RecipientID == readerID && s.messages[i].Status != store.StatusRead {
			s.messages[i].Status = store.StatusRead
		}
	}
}

func (s *Session) fold(p bus.PresenceUpdated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.UserID] = p
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// State returns the channel state of this session.
func (s *Session) State() State {
	return s.state.Current()
}

// Updates returns the coalesced change-notification channel.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Messages returns a copy of the timeline, ascending by (created_at, id).
func (s *Session) Messages() []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Presence returns a copy of the folded presence roster.
func (s *Session) Presence() map[string]bus.PresenceUpdated {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bus.PresenceUpdated, len(s.presence))
	for k, v := range s.presence {
		out[k] = v
	}
	return out
}

// ConversationStatus returns the latest known lifecycle status.
func (s *Session) ConversationStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
