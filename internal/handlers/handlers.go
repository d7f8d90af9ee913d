// Package handlers exposes the JSON API and websocket endpoints.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"careline/internal/conversation"
	"careline/internal/message"
	"careline/internal/observability"
	"careline/internal/presence"
	"careline/internal/store"
	"careline/internal/ws"
)

// Handler wires the services into HTTP routes.
type Handler struct {
	conversations *conversation.Service
	messages      *message.Service
	presence      *presence.Tracker
	db            *store.DB
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

// New creates the HTTP handler set.
func New(cs *conversation.Service, ms *message.Service, pt *presence.Tracker, db *store.DB, hub *ws.Hub, logger *zap.Logger) *Handler {
	return &Handler{
		conversations: cs,
		messages:      ms,
		presence:      pt,
		db:            db,
		hub:           hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/metrics", observability.MetricsHandler())

	api := r.Group("/api")
	{
		api.POST("/conversations/help", h.createHelpConversation)
		api.GET("/conversations", h.listConversations)
		api.GET("/conversations/:id", h.getConversation)
		api.POST("/conversations/:id/accept", h.acceptOffer)
		api.POST("/conversations/:id/reject", h.rejectOffer)
		api.POST("/conversations/:id/messages", h.sendMessage)
		api.POST("/conversations/:id/messages/:messageID/reply", h.replyToMessage)
		api.GET("/conversations/:id/messages/:messageID/thread", h.getThread)
		api.PUT("/conversations/:id/read", h.markRead)
		api.POST("/conversations/:id/typing", h.setTyping)
		api.POST("/presence", h.updatePresence)
	}

	r.GET("/ws/conversations/:id", h.conversationSocket)
	r.GET("/ws/presence", h.presenceSocket)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps a result error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case message.ErrInvalidInput:
		return http.StatusBadRequest
	case message.ErrNotFound:
		return http.StatusNotFound
	case message.ErrPermissionDenied:
		return http.StatusForbidden
	case message.ErrConversationBlocked, conversation.ErrConversationExists:
		return http.StatusConflict
	case message.ErrContentModerated:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type createConversationRequest struct {
	HelpRequestID  string `json:"help_request_id" binding:"required"`
	HelperID       string `json:"helper_id" binding:"required"`
	InitialMessage string `json:"initial_message" binding:"required"`
}

func (h *Handler) createHelpConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	res := h.conversations.CreateHelpConversation(c.Request.Context(), req.HelpRequestID, req.HelperID, req.InitialMessage)
	c.JSON(statusFor(res.Error), res)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID := c.Query("user_id")
	convs, res := h.conversations.ListForUser(c.Request.Context(), userID)
	if !res.Success {
		c.JSON(statusFor(res.Error), res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversations": convs})
}

func (h *Handler) getConversation(c *gin.Context) {
	var offset int
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": "bad offset"})
			return
		}
		offset = n
	}
	page := h.messages.GetConversation(c.Request.Context(), c.Param("id"), c.Query("user_id"), offset)
	c.JSON(statusFor(page.Error), page)
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) acceptOffer(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	res := h.conversations.AcceptOffer(c.Request.Context(), c.Param("id"), req.UserID)
	c.JSON(statusFor(res.Error), res)
}

func (h *Handler) rejectOffer(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	res := h.conversations.RejectOffer(c.Request.Context(), c.Param("id"), req.UserID)
	c.JSON(statusFor(res.Error), res)
}

type sendMessageRequest struct {
	SenderID    string `json:"sender_id" binding:"required"`
	Content     string `json:"content" binding:"required"`
	MessageType string `json:"message_type"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	res := h.messages.SendMessage(c.Request.Context(), c.Param("id"), req.SenderID, req.Content, req.MessageType)
	c.JSON(statusFor(res.Error), res)
}

type replyRequest struct {
	SenderID string `json:"sender_id" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

func (h *Handler) replyToMessage(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	res := h.messages.ReplyToMessage(c.Request.Context(), c.Param("id"), req.SenderID, c.Param("messageID"), req.Content)
	c.JSON(statusFor(res.Error), res)
}

func (h *Handler) getThread(c *gin.Context) {
	msgs, res := h.messages.GetThread(c.Request.Context(), c.Param("id"), c.Query("user_id"), c.Param("messageID"))
	if !res.Success {
		c.JSON(statusFor(res.Error), res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs})
}

func (h *Handler) markRead(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	res := h.messages.MarkAsRead(c.Request.Context(), c.Param("id"), req.UserID)
	c.JSON(statusFor(res.Error), res)
}

type typingRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Typing *bool  `json:"typing" binding:"required"`
}

func (h *Handler) setTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	if err := h.presence.SetTyping(c.Request.Context(), req.UserID, c.Param("id"), *req.Typing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": message.ErrRPC, "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type presenceRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status" binding:"required"`
}

func (h *Handler) updatePresence(c *gin.Context) {
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": err.Error()})
		return
	}
	switch req.Status {
	case presence.StatusOnline, presence.StatusAway, presence.StatusBusy, presence.StatusOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message.ErrInvalidInput, "details": "unknown presence status"})
		return
	}
	if err := h.presence.UpdatePresence(c.Request.Context(), req.UserID, req.DisplayName, req.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": message.ErrRPC, "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// conversationSocket upgrades the connection and parks it in the room. The
// socket is push-only; reads are drained to notice disconnects.
func (h *Handler) conversationSocket(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.Query("user_id")
	if _, err := h.db.GetConversationForUser(c.Request.Context(), conversationID, userID); err != nil {
		code := message.ErrRPC
		switch err {
		case store.ErrNotFound:
			code = message.ErrNotFound
		case store.ErrPermissionDenied:
			code = message.ErrPermissionDenied
		}
		c.JSON(statusFor(code), gin.H{"success": false, "error": code})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.AddClient(conversationID, conn, ws.ConnInfo{UserID: userID, ConnectedAt: time.Now()})

	go func() {
		defer func() {
			h.hub.RemoveClient(conversationID, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Handler) presenceSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.AddPresenceClient(conn, ws.ConnInfo{UserID: c.Query("user_id"), ConnectedAt: time.Now()})

	go func() {
		defer func() {
			h.hub.RemovePresenceClient(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
