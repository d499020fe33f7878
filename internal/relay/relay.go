package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/store"
)

type RelayErrorKind string

const (
	ErrLocalStore    RelayErrorKind = "local-store-failure"
	ErrRemoteForward RelayErrorKind = "remote-forward-failure"
)

type RelayError struct {
	Kind RelayErrorKind
	Err  error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay (%s): %v", e.Kind, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Backend is the slice of the remote client the relay needs; *rc.Client
// satisfies it.
type Backend interface {
	CreateChat(ctx context.Context, name string) (string, error)
	PostMessage(ctx context.Context, chatID, text string) (string, error)
}

// Relay moves visitor messages into the remote backend. The local append is
// the source of truth: a forwarding failure never loses the message, it only
// marks it failed and leaves retry to operations.
type Relay struct {
	store   *store.Store
	backend Backend
	marker  string
	now     func() int64
}

func New(st *store.Store, backend Backend, marker string, now func() int64) *Relay {
	return &Relay{store: st, backend: backend, marker: marker, now: now}
}

// Marker returns the substring embedded in every forwarded post. The webhook
// ingester uses it to recognize this system's own posts coming back.
func (r *Relay) Marker() string { return r.marker }

// SendVisitorMessage stores the message and forwards it best-effort. The
// returned error is non-nil only when the local store failed; the caller
// must surface that as a server error.
func (r *Relay) SendVisitorMessage(ctx context.Context, sessionID, text string, visitor model.Visitor) (int64, error) {
	now := r.now()

	if _, err := r.store.UpsertSession(sessionID, visitor, now); err != nil {
		return 0, &RelayError{Kind: ErrLocalStore, Err: err}
	}

	messageID, err := r.store.AppendMessage(sessionID, model.SenderVisitor, text, nil, "", now)
	if err != nil {
		return 0, &RelayError{Kind: ErrLocalStore, Err: err}
	}

	if err := r.forward(ctx, sessionID, messageID, text, visitor); err != nil {
		log.Warn().
			Str("sessionId", sessionID).
			Int64("messageId", messageID).
			Err(err).
			Msg("remote forward failed; message stored locally")
		if statusErr := r.store.UpdateMessageStatus(messageID, model.MessageFailed); statusErr != nil {
			log.Error().Int64("messageId", messageID).Err(statusErr).Msg("mark message failed")
		}
	}

	return messageID, nil
}

func (r *Relay) forward(ctx context.Context, sessionID string, messageID int64, text string, visitor model.Visitor) error {
	chatID, err := r.ensureExternalChat(ctx, sessionID, visitor)
	if err != nil {
		return &RelayError{Kind: ErrRemoteForward, Err: err}
	}

	postID, err := r.backend.PostMessage(ctx, chatID, r.formatOutbound(sessionID, text, visitor))
	if err != nil {
		return &RelayError{Kind: ErrRemoteForward, Err: err}
	}

	// Record provenance so the webhook echo of this post dedups against the
	// row we already hold, instead of surfacing as an agent reply.
	if err := r.store.SetExternalMessageID(messageID, postID); err != nil {
		return &RelayError{Kind: ErrLocalStore, Err: err}
	}
	if err := r.store.UpdateMessageStatus(messageID, model.MessageDelivered); err != nil {
		return &RelayError{Kind: ErrLocalStore, Err: err}
	}
	return nil
}

func (r *Relay) ensureExternalChat(ctx context.Context, sessionID string, visitor model.Visitor) (string, error) {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if sess.ExternalChatID != nil {
		return *sess.ExternalChatID, nil
	}

	chatID, err := r.backend.CreateChat(ctx, chatName(sessionID, visitor))
	if err != nil {
		return "", err
	}

	err = r.store.LinkExternalChat(sessionID, chatID, r.now())
	if errors.Is(err, store.ErrChatMismatch) {
		// A concurrent first message won the link; use its chat.
		sess, getErr := r.store.GetSession(sessionID)
		if getErr != nil || sess.ExternalChatID == nil {
			return "", err
		}
		log.Warn().Str("sessionId", sessionID).Str("orphanChatId", chatID).
			Msg("lost chat-creation race; orphan remote chat left behind")
		return *sess.ExternalChatID, nil
	}
	if err != nil {
		return "", err
	}
	return chatID, nil
}

func (r *Relay) formatOutbound(sessionID, text string, visitor model.Visitor) string {
	label := visitor.Name
	if label == "" {
		label = "Visitor " + shortID(sessionID)
	}
	return fmt.Sprintf("%s %s: %s", r.marker, label, text)
}

func chatName(sessionID string, visitor model.Visitor) string {
	if visitor.Name != "" {
		return "Website chat - " + visitor.Name
	}
	return "Website chat - " + shortID(sessionID)
}

func shortID(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8]
}

// IsRelayed reports whether text carries the relay marker, i.e. originated
// from this system. Kept alongside the provenance check because agents can
// edit posts in their client after the fact.
func (r *Relay) IsRelayed(text string) bool {
	return r.marker != "" && strings.Contains(text, r.marker)
}
