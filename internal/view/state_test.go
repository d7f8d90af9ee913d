package view

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/encryption"
	"careline/internal/message"
	"careline/internal/moderation"
	"careline/internal/presence"
	"careline/internal/queue"
	"careline/internal/realtime"
	"careline/internal/store"
)

type fixture struct {
	db    *store.DB
	bus   *bus.Bus
	queue *queue.OfflineQueue
	views *Manager
}

func newFixture(t *testing.T, pageSize int, autoMarkRead bool) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := zap.NewDevelopment()
	b := bus.New()
	mod := moderation.NewGateway(logger)
	enc := encryption.NewGateway("test-secret", logger)
	msgs := message.NewService(db, b, mod, enc, false, pageSize, logger)
	rt := realtime.NewManager(db, b, enc, logger)
	t.Cleanup(rt.Close)

	q := queue.New(queue.SenderFunc(func(ctx context.Context, conversationID, senderID, content, messageType string) error {
		res := msgs.SendMessage(ctx, conversationID, senderID, content, messageType)
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	}), b, queue.MaxRetries, logger)

	pr := presence.NewTracker(db, b, 50*time.Millisecond, logger)
	t.Cleanup(pr.Stop)

	views := NewManager(db, msgs, rt, q, pr, pageSize, autoMarkRead, true, logger)
	return &fixture{db: db, bus: b, queue: q, views: views}
}

func (f *fixture) seed(t *testing.T, extraMessages int) {
	t.Helper()
	ctx := context.Background()
	if err := f.db.CreateHelpRequest(ctx, &store.HelpRequest{
		ID: "req-1", OwnerID: "user-a", Title: "Groceries", Category: "errands", Status: "open",
	}); err != nil {
		t.Fatal(err)
	}
	conv := &store.Conversation{
		ID: "conv-1", HelpRequestID: "req-1", RequesterID: "user-a", HelperID: "helper-1",
		Status: store.ConversationActive,
	}
	initial := &store.Message{
		ID: "msg-0000", SenderID: "helper-1", RecipientID: "user-a", Content: "I can help!",
		MessageType: store.TypeStandard, ModerationStatus: store.ModerationApproved,
		EncryptionStatus: store.EncryptionNone, Status: store.StatusSent, CreatedAt: 1000,
	}
	if _, _, err := f.db.CreateConversationAtomic(ctx, conv, initial); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= extraMessages; i++ {
		if err := f.db.InsertMessage(ctx, &store.Message{
			ID: fmt.Sprintf("msg-%04d", i), ConversationID: "conv-1",
			SenderID: "helper-1", RecipientID: "user-a",
			Content: fmt.Sprintf("update %d", i), MessageType: store.TypeStandard,
			ModerationStatus: store.ModerationApproved, EncryptionStatus: store.EncryptionNone,
			Status: store.StatusSent, CreatedAt: int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func waitFor(t *testing.T, v *View, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		select {
		case <-v.Updates():
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestOpenLoadsNewestPageAscending(t *testing.T) {
	f := newFixture(t, 3, false)
	f.seed(t, 5) // msg-0000 .. msg-0005
	ctx := context.Background()

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	msgs := v.Messages()
	if len(msgs) != 3 {
		t.Fatalf("loaded %d messages, want page of 3", len(msgs))
	}
	// Newest page, rendered oldest-to-newest.
	if msgs[0].ID != "msg-0003" || msgs[2].ID != "msg-0005" {
		t.Errorf("page = %s..%s, want msg-0003..msg-0005", msgs[0].ID, msgs[2].ID)
	}
	if !v.HasMore() {
		t.Error("HasMore = false with older pages remaining")
	}
}

func TestLoadMoreExtendsBackwards(t *testing.T) {
	f := newFixture(t, 3, false)
	f.seed(t, 5)
	ctx := context.Background()

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if _, err := v.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	more, err := v.LoadMore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msgs := v.Messages()
	if len(msgs) != 6 {
		t.Fatalf("timeline = %d messages, want all 6", len(msgs))
	}
	if msgs[0].ID != "msg-0000" {
		t.Errorf("oldest = %s, want msg-0000", msgs[0].ID)
	}
	if more {
		// The final short page may have been exactly pageSize; one more call
		// must then come back empty and flip HasMore off.
		if _, err := v.LoadMore(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if v.HasMore() {
		t.Error("HasMore = true after loading everything")
	}
}

func TestOpenAutoMarksRead(t *testing.T) {
	f := newFixture(t, 10, true)
	f.seed(t, 2)
	ctx := context.Background()

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	unread, err := f.db.CountUnread(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	if unread != 0 {
		t.Errorf("unread = %d after auto mark-read open", unread)
	}
}

func TestOpenDeniedForStranger(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 0)

	if _, err := f.views.Open(context.Background(), "conv-1", "stranger"); err != store.ErrPermissionDenied {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestSendOnlineAppearsInTimeline(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 0)
	ctx := context.Background()
	f.queue.SetOnline(ctx, true)

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	out := v.Send(ctx, "on my way now", "")
	if out.Queued || !out.Result.Success {
		t.Fatalf("outcome = %+v", out)
	}

	waitFor(t, v, func() bool {
		for _, m := range v.Messages() {
			if m.ID == out.Result.MessageID {
				return true
			}
		}
		return false
	})
}

func TestSendOfflineQueuesAndDrainsOnReconnect(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 0)
	ctx := context.Background()

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	out := v.Send(ctx, "sending this from the subway", "")
	if !out.Queued || out.TempID == "" {
		t.Fatalf("outcome = %+v, want queued", out)
	}
	if f.queue.Depth() != 1 {
		t.Fatalf("queue depth = %d", f.queue.Depth())
	}

	// Reconnect: the queue drains through the real send pipeline and the
	// message reaches the live timeline.
	f.queue.SetOnline(ctx, true)
	waitFor(t, v, func() bool {
		for _, m := range v.Messages() {
			if m.Content == "sending this from the subway" {
				return true
			}
		}
		return false
	})
	if f.queue.Depth() != 0 {
		t.Errorf("queue depth = %d after drain", f.queue.Depth())
	}
}

func TestSendOnlineTransportFailureFallsBackToQueue(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 0)
	ctx := context.Background()
	f.queue.SetOnline(ctx, true)

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	events, unsubscribe := f.bus.Subscribe("queue", 16)
	defer unsubscribe()

	// Take the store down so the send fails at the transport layer.
	_ = f.db.Close()

	out := v.Send(ctx, "did this make it through", "")
	if !out.Queued || out.TempID == "" {
		t.Fatalf("outcome = %+v, want queued fallback", out)
	}

	// Still online, the queue drains immediately: the retries exhaust the
	// ceiling and exactly one terminal failure fires for the entry.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			fail, ok := evt.Payload.(bus.QueueFailure)
			if !ok {
				continue
			}
			if fail.TempID != out.TempID || fail.Attempts != queue.MaxRetries {
				t.Fatalf("failure = %+v", fail)
			}
			return
		case <-deadline:
			t.Fatal("no terminal failure event")
		}
	}
}

func TestSendModerationFailureIsNotQueued(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 0)
	ctx := context.Background()
	f.queue.SetOnline(ctx, true)

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	out := v.Send(ctx, "please wire transfer the emergency funds now", "")
	if out.Queued {
		t.Fatalf("outcome = %+v, business failure must not queue", out)
	}
	if out.Result.Error != message.ErrContentModerated {
		t.Errorf("error = %q, want content_moderated", out.Result.Error)
	}
	if f.queue.Depth() != 0 {
		t.Errorf("queue depth = %d", f.queue.Depth())
	}
}

func TestViewExposesQueueAndConnectivity(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 2)
	ctx := context.Background()

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if v.IsOnline() {
		t.Error("IsOnline = true before connect")
	}
	unread, err := v.UnreadCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 3 {
		t.Errorf("unread = %d, want 3", unread)
	}

	out := v.Send(ctx, "queued while offline", "")
	if !out.Queued {
		t.Fatalf("outcome = %+v", out)
	}
	// Entries for other conversations stay out of this view's list.
	f.queue.Enqueue(ctx, "conv-other", "user-a", "elsewhere entirely", store.TypeStandard)

	queued := v.QueuedMessages()
	if len(queued) != 1 || queued[0].TempID != out.TempID {
		t.Fatalf("queued = %+v", queued)
	}

	if res := v.MarkRead(ctx); !res.Success {
		t.Fatalf("mark read: %+v", res)
	}
	unread, err = v.UnreadCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 0 {
		t.Errorf("unread = %d after mark read", unread)
	}

	f.queue.SetOnline(ctx, true)
	if !v.IsOnline() {
		t.Error("IsOnline = false after connect")
	}
}

func TestOpenEmptyConversationSkipsMarkRead(t *testing.T) {
	f := newFixture(t, 10, true)
	ctx := context.Background()
	if err := f.db.CreateHelpRequest(ctx, &store.HelpRequest{
		ID: "req-1", OwnerID: "user-a", Title: "Groceries", Category: "errands", Status: "open",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.ExecContext(ctx, `
		INSERT INTO conversations (id, help_request_id, requester_id, helper_id, status, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"conv-empty", "req-1", "user-a", "helper-1", store.ConversationPending, 1000, 1000); err != nil {
		t.Fatal(err)
	}

	events, unsubscribe := f.bus.Subscribe("message", 8)
	defer unsubscribe()

	v, err := f.views.Open(ctx, "conv-empty", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	if n := len(v.Messages()); n != 0 {
		t.Fatalf("timeline = %d messages, want empty", n)
	}

	select {
	case evt := <-events:
		if evt.Kind == bus.KindMessageRead {
			t.Error("message.read published for an empty conversation")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTypingVisibleToOtherParticipant(t *testing.T) {
	f := newFixture(t, 10, false)
	f.seed(t, 0)
	ctx := context.Background()

	v, err := f.views.Open(ctx, "conv-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if err := v.Typing(ctx, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, v, func() bool {
		return v.Presence()["user-a"].TypingInConversation == "conv-1"
	})

	// The indicator self-expires without another keystroke.
	waitFor(t, v, func() bool {
		return v.Presence()["user-a"].TypingInConversation == ""
	})
}
