package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"granite-chat-relay/internal/auth"
	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/store"
	"granite-chat-relay/internal/subscription"
)

// AdminHandler serves the back-office operators: session oversight and
// manual subscription renewal.
type AdminHandler struct {
	Store       *store.Store
	Subs        *subscription.Manager
	TokenConfig auth.TokenConfig
	AdminSecret string
}

type adminLoginBody struct {
	Secret string `json:"secret"`
}

func (h *AdminHandler) Login(c *gin.Context) {
	var body adminLoginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if h.AdminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(body.Secret), []byte(h.AdminSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := auth.CreateToken("admin", h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions, err := h.Store.ListSessions(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store unavailable"})
		return
	}

	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		entry := gin.H{
			"session_id":      sess.SessionID,
			"status":          sess.Status,
			"visitor_name":    sess.Visitor.Name,
			"visitor_email":   sess.Visitor.Email,
			"visitor_phone":   sess.Visitor.Phone,
			"created_at":      sess.CreatedAt,
			"updated_at":      sess.UpdatedAt,
			"last_message_at": sess.LastMessageAt,
		}
		if sess.ExternalChatID != nil {
			entry["external_chat_id"] = *sess.ExternalChatID
		}
		resp = append(resp, entry)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *AdminHandler) CloseSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	if _, err := h.Store.GetSession(sessionID); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store unavailable"})
		return
	}

	now := time.Now().UnixMilli()
	changed, err := h.Store.CloseSession(sessionID, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store unavailable"})
		return
	}
	if changed {
		// Leave a trace the widget will show on its next poll.
		_, _ = h.Store.AppendMessage(sessionID, model.SenderSystem,
			"This conversation has been closed.", nil, "", now)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "already_closed": !changed})
}

func (h *AdminHandler) RenewSubscription(c *gin.Context) {
	if h.Subs == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Webhook delivery not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	sub, err := h.Subs.Ensure(ctx)
	if err != nil {
		var subErr *subscription.SubError
		if errors.As(err, &subErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": subErr.Kind})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"subscription":  sub.ID,
		"event_filters": sub.EventFilters,
		"expires_at":    sub.ExpiresAt,
	})
}

func (h *AdminHandler) GetSubscription(c *gin.Context) {
	webhookURL := c.Query("webhook_url")
	var (
		sub model.Subscription
		err error
	)
	if webhookURL != "" {
		sub, err = h.Store.GetSubscription(webhookURL)
	} else {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing webhook_url"})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No subscription recorded"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription":  sub.ID,
		"webhook_url":   sub.WebhookURL,
		"event_filters": sub.EventFilters,
		"expires_at":    sub.ExpiresAt,
	})
}
