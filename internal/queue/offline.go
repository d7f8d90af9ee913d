// Package queue buffers outgoing messages while the client is offline and
// drains them in FIFO order on reconnect. A queued message gets at most
// three attempts; after the third failure it is dropped and a terminal
// failure event is published exactly once.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/observability"
)

// MaxRetries is the default attempt ceiling per queued message.
const MaxRetries = 3

// Sender delivers one queued message. Failures are returned, not logged;
// retry accounting is the queue's job.
type Sender interface {
	Send(ctx context.Context, conversationID, senderID, content, messageType string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, conversationID, senderID, content, messageType string) error

func (f SenderFunc) Send(ctx context.Context, conversationID, senderID, content, messageType string) error {
	return f(ctx, conversationID, senderID, content, messageType)
}

// QueuedMessage is one pending entry. TempID is client-generated and stable
// across retries so the UI can track the optimistic message.
type QueuedMessage struct {
	TempID         string
	ConversationID string
	SenderID       string
	Content        string
	MessageType    string
	CreatedAt      int64
	RetryCount     int
}

// OfflineQueue is a memory-resident FIFO of unsent messages.
type OfflineQueue struct {
	sender     Sender
	bus        *bus.Bus
	maxRetries int
	logger     *zap.Logger

	mu      sync.Mutex
	pending []QueuedMessage
	online  bool
}

// New creates an offline queue. The queue starts offline; nothing is sent
// until SetOnline(true). maxRetries <= 0 falls back to the default ceiling.
func New(sender Sender, b *bus.Bus, maxRetries int, logger *zap.Logger) *OfflineQueue {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	return &OfflineQueue{sender: sender, bus: b, maxRetries: maxRetries, logger: logger}
}

// Enqueue buffers a message and returns its temp id. While online the queue
// is drained immediately on the caller's goroutine.
func (q *OfflineQueue) Enqueue(ctx context.Context, conversationID, senderID, content, messageType string) string {
	entry := QueuedMessage{
		TempID:         "tmp-" + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
		CreatedAt:      time.Now().UnixMilli(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, entry)
	depth := len(q.pending)
	online := q.online
	q.mu.Unlock()

	observability.SetQueueDepth(depth)
	q.logger.Debug("message queued",
		zap.String("temp_id", entry.TempID),
		zap.String("conversation_id", conversationID),
		zap.Int("depth", depth))

	if online {
		q.drain(ctx)
	}
	return entry.TempID
}

// SetOnline flips connectivity. Going online drains the queue; going offline
// just stops future drains.
func (q *OfflineQueue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		q.drain(ctx)
	}
}

// Online reports current connectivity as the queue sees it.
func (q *OfflineQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Depth returns the number of pending messages.
func (q *OfflineQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the pending entries in FIFO order.
func (q *OfflineQueue) Pending() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.pending))
	copy(out, q.pending)
	return out
}

// drain sends pending entries in FIFO order. A failed entry goes back to the
// front with its retry count bumped; three failures drop it for good.
func (q *OfflineQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if !q.online || len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		entry := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := q.sender.Send(ctx, entry.ConversationID, entry.SenderID, entry.Content, entry.MessageType)
		if err == nil {
			q.logger.Info("queued message sent",
				zap.String("temp_id", entry.TempID),
				zap.Int("attempts", entry.RetryCount+1))
			continue
		}

		entry.RetryCount++
		q.logger.Warn("queued message send failed",
			zap.String("temp_id", entry.TempID),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))

		if entry.RetryCount >= q.maxRetries {
			observability.IncQueueTerminalFailure()
			q.bus.Publish(bus.Event{
				Kind:      bus.KindQueueTerminalFailure,
				Timestamp: time.Now(),
				Payload: bus.QueueFailure{
					TempID:   entry.TempID,
					Attempts: entry.RetryCount,
					Reason:   err.Error(),
				},
			})
			continue
		}

		// Back to the front: order is preserved across retries.
		q.mu.Lock()
		q.pending = append([]QueuedMessage{entry}, q.pending...)
		q.mu.Unlock()
	}

	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()
	observability.SetQueueDepth(depth)
	if depth == 0 {
		q.bus.Publish(bus.Event{
			Kind:      bus.KindQueueDrained,
			Timestamp: time.Now(),
			Payload:   map[string]int{"depth": 0},
		})
	}
}
