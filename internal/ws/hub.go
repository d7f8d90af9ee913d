// Package ws fans conversation change events out to websocket clients. Rooms
// are keyed by conversation id; a write error drops the connection from its
// room so one dead client never blocks the rest.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"careline/internal/observability"
)

// ConnInfo identifies one client connection for logging.
type ConnInfo struct {
	UserID      string
	ConnectedAt time.Time
}

// Hub maintains active websocket rooms.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*websocket.Conn]ConnInfo
	presence map[*websocket.Conn]ConnInfo // connections watching global presence
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*websocket.Conn]ConnInfo),
		presence: make(map[*websocket.Conn]ConnInfo),
		logger:   logger,
	}
}

// AddClient registers a websocket connection to a conversation room.
func (h *Hub) AddClient(conversationID string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.rooms[conversationID][conn] = info
	observability.IncWSConnections(1)
}

// RemoveClient removes a conversation websocket connection.
func (h *Hub) RemoveClient(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		if _, present := conns[conn]; present {
			delete(conns, conn)
			observability.IncWSConnections(-1)
		}
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// AddPresenceClient registers a connection for the global presence stream.
func (h *Hub) AddPresenceClient(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence[conn] = info
	observability.IncWSConnections(1)
}

// RemovePresenceClient removes a presence stream connection.
func (h *Hub) RemovePresenceClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.presence[conn]; ok {
		delete(h.presence, conn)
		observability.IncWSConnections(-1)
	}
}

// Broadcast sends an event to all clients in a conversation room.
func (h *Hub) Broadcast(conversationID string, event any) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[conversationID]))
	for conn := range h.rooms[conversationID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("websocket marshal error", zap.Error(err))
		return
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("websocket write error",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			_ = conn.Close()
			h.RemoveClient(conversationID, conn)
		}
	}
}

// BroadcastEach sends a per-connection event to a conversation room, built
// from each connection's user id. Used when visibility depends on the viewer.
func (h *Hub) BroadcastEach(conversationID string, build func(userID string) any) {
	h.mu.RLock()
	conns := make(map[*websocket.Conn]ConnInfo, len(h.rooms[conversationID]))
	for conn, info := range h.rooms[conversationID] {
		conns[conn] = info
	}
	h.mu.RUnlock()

	for conn, info := range conns {
		payload, err := json.Marshal(build(info.UserID))
		if err != nil {
			h.logger.Error("websocket marshal error", zap.Error(err))
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("websocket write error",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			_ = conn.Close()
			h.RemoveClient(conversationID, conn)
		}
	}
}

// BroadcastPresence sends an event to all presence stream clients.
func (h *Hub) BroadcastPresence(event any) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.presence))
	for conn := range h.presence {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("websocket marshal error", zap.Error(err))
		return
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("websocket presence write error", zap.Error(err))
			_ = conn.Close()
			h.RemovePresenceClient(conn)
		}
	}
}

// RoomSize returns the number of connections in a conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}
