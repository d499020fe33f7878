package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/relay"
	"granite-chat-relay/internal/store"
)

type ChatHandler struct {
	Store *store.Store
	Relay *relay.Relay
}

type sendMessageBody struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	VisitorName  string `json:"visitor_name"`
	VisitorEmail string `json:"visitor_email"`
	VisitorPhone string `json:"visitor_phone"`
}

// SendMessage stores the visitor's message and relays it. The relay side is
// best-effort; only a local store failure fails the request.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}
	if body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing session_id"})
		return
	}
	if body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing message"})
		return
	}

	visitor := model.Visitor{
		Name:  body.VisitorName,
		Email: body.VisitorEmail,
		Phone: body.VisitorPhone,
	}

	messageID, err := h.Relay.SendVisitorMessage(c.Request.Context(), body.SessionID, body.Message, visitor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Message could not be stored"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message_id": messageID})
}

// GetMessages is the widget's polling pull: everything newer than the
// client's cursor, plus the session status so a closed session stops the
// poll loop.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Missing session_id"})
		return
	}

	afterID := int64(0)
	if raw := c.Query("last_message_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid cursor format"})
			return
		}
		afterID = v
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid limit"})
			return
		}
		limit = v
	}

	now := time.Now().UnixMilli()

	sess, err := h.Store.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "Session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Store unavailable"})
		return
	}

	// A poll is visitor activity: bring an idle session back.
	if sess.Status == model.SessionIdle {
		if err := h.Store.TouchSession(sessionID, now); err == nil {
			sess.Status = model.SessionActive
		}
	}

	msgs, err := h.Store.ListMessagesSince(sessionID, afterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Store unavailable"})
		return
	}

	resp := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		entry := gin.H{
			"id":          m.ID,
			"sender_type": m.SenderType,
			"message":     m.Content,
			"timestamp":   m.CreatedAt,
		}
		if m.SenderID != "" {
			entry["sender_id"] = m.SenderID
		}
		resp = append(resp, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "success",
		"session_status":   sess.Status,
		"messages":         resp,
		"count":            len(resp),
		"server_timestamp": now,
	})
}
