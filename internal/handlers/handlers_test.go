package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/conversation"
	"careline/internal/encryption"
	"careline/internal/message"
	"careline/internal/moderation"
	"careline/internal/presence"
	"careline/internal/store"
	"careline/internal/ws"
)

func testRouter(t *testing.T) (*gin.Engine, *store.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	msgs := message.NewService(db, b, mod, enc, false, 50, logger)
	convs := conversation.NewService(db, b, mod, enc, false, logger)
	pt := presence.NewTracker(db, b, time.Second, logger)
	t.Cleanup(pt.Stop)
	hub := ws.NewHub(logger)

	r := gin.New()
	New(convs, msgs, pt, db, hub, logger).Register(r)

	if err := db.CreateHelpRequest(context.Background(), &store.HelpRequest{
		ID: "req-1", OwnerID: "user-a", Title: "Groceries", Category: "errands", Status: "open",
	}); err != nil {
		t.Fatal(err)
	}
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("bad response body %q: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestHealthz(t *testing.T) {
	r, _ := testRouter(t)
	w, body := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", w.Code, body)
	}
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	r, _ := testRouter(t)

	w, body := doJSON(t, r, http.MethodPost, "/api/conversations/help", gin.H{
		"help_request_id": "req-1",
		"helper_id":       "helper-1",
		"initial_message": "I can pick up your groceries on Tuesday",
	})
	if w.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("create = %d %v", w.Code, body)
	}
	convID := body["conversation_id"].(string)

	// Duplicate offer conflicts and points at the existing conversation.
	w, body = doJSON(t, r, http.MethodPost, "/api/conversations/help", gin.H{
		"help_request_id": "req-1",
		"helper_id":       "helper-1",
		"initial_message": "offering once more, same request",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d %v", w.Code, body)
	}
	if body["error"] != conversation.ErrConversationExists || body["conversation_id"] != convID {
		t.Errorf("duplicate body = %v", body)
	}

	// Only the requester may accept.
	w, _ = doJSON(t, r, http.MethodPost, "/api/conversations/"+convID+"/accept", gin.H{"user_id": "helper-1"})
	if w.Code != http.StatusForbidden {
		t.Errorf("helper accept = %d", w.Code)
	}
	w, body = doJSON(t, r, http.MethodPost, "/api/conversations/"+convID+"/accept", gin.H{"user_id": "user-a"})
	if w.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("accept = %d %v", w.Code, body)
	}

	// Send and read back.
	w, body = doJSON(t, r, http.MethodPost, "/api/conversations/"+convID+"/messages", gin.H{
		"sender_id": "user-a",
		"content":   "that works, see you then",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("send = %d %v", w.Code, body)
	}
	w, body = doJSON(t, r, http.MethodGet, "/api/conversations/"+convID+"?user_id=user-a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d %v", w.Code, body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}

func TestErrorMapping(t *testing.T) {
	r, _ := testRouter(t)

	w, _ := doJSON(t, r, http.MethodGet, "/api/conversations/conv-404?user_id=user-a", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing conversation = %d, want 404", w.Code)
	}

	w, body := doJSON(t, r, http.MethodPost, "/api/conversations/help", gin.H{
		"help_request_id": "req-1",
		"helper_id":       "helper-1",
		"initial_message": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("short initial = %d %v, want 400", w.Code, body)
	}

	w, body = doJSON(t, r, http.MethodPost, "/api/conversations/help", gin.H{
		"help_request_id": "req-1",
		"helper_id":       "helper-2",
		"initial_message": "please wire transfer the emergency funds now",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("moderated = %d %v, want 422", w.Code, body)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/presence", gin.H{"user_id": "user-a", "status": "invisible"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad presence status = %d, want 400", w.Code)
	}
}

func TestPermissionDeniedOnForeignConversation(t *testing.T) {
	r, _ := testRouter(t)

	_, body := doJSON(t, r, http.MethodPost, "/api/conversations/help", gin.H{
		"help_request_id": "req-1",
		"helper_id":       "helper-1",
		"initial_message": "I can pick up your groceries",
	})
	convID := body["conversation_id"].(string)

	w, _ := doJSON(t, r, http.MethodGet, "/api/conversations/"+convID+"?user_id=stranger", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger get = %d, want 403", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodPost, "/api/conversations/"+convID+"/messages", gin.H{
		"sender_id": "stranger",
		"content":   "let me in",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger send = %d, want 403", w.Code)
	}
}

func TestTypingAndPresenceEndpoints(t *testing.T) {
	r, db := testRouter(t)

	w, _ := doJSON(t, r, http.MethodPost, "/api/presence", gin.H{
		"user_id": "user-a", "display_name": "Alice", "status": "online",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("presence = %d", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodPost, "/api/conversations/conv-1/typing", gin.H{
		"user_id": "user-a", "typing": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("typing = %d", w.Code)
	}

	row, err := db.GetPresence(context.Background(), "user-a")
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != "online" || row.TypingInConversation != "conv-1" {
		t.Errorf("presence row = %+v", row)
	}
}
