package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func dialHub(t *testing.T, hub *Hub, conversationID, userID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		hub.AddClient(conversationID, conn, ConnInfo{UserID: userID, ConnectedAt: time.Now()})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBroadcastReachesRoomClients(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(logger)
	conn := dialHub(t, hub, "conv-1", "user-a")

	// Clients of other rooms see nothing.
	hub.Broadcast("conv-other", Event{Type: "message", ConversationID: "conv-other"})
	hub.Broadcast("conv-1", Event{Type: "read", ConversationID: "conv-1", ReaderID: "user-b"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != "read" || evt.ReaderID != "user-b" {
		t.Errorf("event = %+v", evt)
	}
}

func TestDeadClientRemovedFromRoom(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(logger)
	conn := dialHub(t, hub, "conv-1", "user-a")

	if hub.RoomSize("conv-1") != 1 {
		t.Fatalf("room size = %d", hub.RoomSize("conv-1"))
	}
	_ = conn.Close()

	// The first write after close fails and evicts the connection.
	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomSize("conv-1") != 0 {
		hub.Broadcast("conv-1", Event{Type: "message", ConversationID: "conv-1"})
		if time.Now().After(deadline) {
			t.Fatal("dead client never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
