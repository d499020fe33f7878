package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/relay"
	"granite-chat-relay/internal/store"
)

const (
	validationTokenHeader   = "Validation-Token"
	verificationTokenHeader = "Verification-Token"
)

type WebhookHandler struct {
	Store *store.Store
	Relay *relay.Relay
	// VerificationToken, when set, must match the per-delivery header.
	VerificationToken string
}

// webhookEnvelope is the backend's push payload for post events.
type webhookEnvelope struct {
	UUID           string      `json:"uuid"`
	Event          string      `json:"event"`
	SubscriptionID string      `json:"subscriptionId"`
	Body           webhookPost `json:"body"`
}

type webhookPost struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	EventType string `json:"eventType"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	CreatorID string `json:"creatorId"`
}

// Handle ingests pushed events. The contract with the backend is: answer
// fast, answer 200 for anything that parsed, and rely on the dedup index
// for redeliveries.
func (h *WebhookHandler) Handle(c *gin.Context) {
	// Subscription-validation ping: echo the token back verbatim to
	// complete registration.
	if token := c.GetHeader(validationTokenHeader); token != "" {
		c.Header(validationTokenHeader, token)
		c.Status(http.StatusOK)
		return
	}

	if h.VerificationToken != "" {
		got := c.GetHeader(verificationTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.VerificationToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid verification token"})
			return
		}
	}

	var env webhookEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	if !strings.Contains(env.Event, "/posts") || env.Body.EventType != "PostAdded" {
		log.Debug().Str("event", env.Event).Str("eventType", env.Body.EventType).
			Msg("webhook: event type not handled")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if env.Body.GroupID == "" || env.Body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	sess, err := h.Store.GetSessionByExternalChat(env.Body.GroupID)
	if errors.Is(err, store.ErrNotFound) {
		// A conversation we don't track; expected when the team chats about
		// other things, not an error.
		log.Debug().Str("chatId", env.Body.GroupID).Msg("webhook: no session for chat")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store unavailable"})
		return
	}

	// Our own forwarded post coming back: the marker check catches it even
	// when the provenance row lost a race.
	if h.Relay.IsRelayed(env.Body.Text) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	externalID := env.Body.ID
	messageID, err := h.Store.AppendMessage(sess.SessionID, model.SenderAgent, env.Body.Text,
		&externalID, env.Body.CreatorID, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "message_id": messageID})
}
