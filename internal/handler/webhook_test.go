package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/relay"
	"granite-chat-relay/internal/store"
)

type nullBackend struct{}

func (nullBackend) CreateChat(ctx context.Context, name string) (string, error) {
	return "chat-1", nil
}

func (nullBackend) PostMessage(ctx context.Context, chatID, text string) (string, error) {
	return "post-1", nil
}

func newWebhookRig(t *testing.T, verificationToken string) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	now := int64(1000)
	rel := relay.New(st, nullBackend{}, "[web-visitor]", func() int64 { now++; return now })

	h := &WebhookHandler{Store: st, Relay: rel, VerificationToken: verificationToken}
	r := gin.New()
	r.POST("/webhook", h.Handle)
	return r, st
}

func linkedSession(t *testing.T, st *store.Store, sessionID, chatID string) {
	t.Helper()
	if _, err := st.UpsertSession(sessionID, model.Visitor{}, 1000); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := st.LinkExternalChat(sessionID, chatID, 1000); err != nil {
		t.Fatalf("LinkExternalChat: %v", err)
	}
}

func postEvent(r *gin.Engine, headers map[string]string, env any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if env != nil {
		json.NewEncoder(&body).Encode(env)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", &body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postAddedEnvelope(chatID, postID, text string) map[string]any {
	return map[string]any{
		"uuid":           "u-1",
		"event":          "/team-messaging/v1/posts",
		"subscriptionId": "sub-1",
		"body": map[string]any{
			"id":        postID,
			"groupId":   chatID,
			"eventType": "PostAdded",
			"type":      "TextMessage",
			"text":      text,
			"creatorId": "agent-1",
		},
	}
}

func TestWebhook_ValidationTokenEcho(t *testing.T) {
	r, _ := newWebhookRig(t, "")
	w := postEvent(r, map[string]string{"Validation-Token": "vt-123"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Validation-Token"); got != "vt-123" {
		t.Fatalf("expected token echoed verbatim, got %q", got)
	}
}

func TestWebhook_VerificationTokenRejected(t *testing.T) {
	r, _ := newWebhookRig(t, "secret-token")
	w := postEvent(r, map[string]string{"Verification-Token": "wrong"},
		postAddedEnvelope("c1", "m-1", "hi"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	r, _ := newWebhookRig(t, "")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	r, st := newWebhookRig(t, "")
	linkedSession(t, st, "s1", "c1")

	env := postAddedEnvelope("c1", "m-1", "hi")
	env["event"] = "/team-messaging/v1/presence"
	w := postEvent(r, nil, env)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	msgs, _ := st.ListMessagesSince("s1", 0, 10)
	if len(msgs) != 0 {
		t.Fatalf("unknown event must not store messages")
	}
}

func TestWebhook_UnknownChatDropped(t *testing.T) {
	r, _ := newWebhookRig(t, "")
	w := postEvent(r, nil, postAddedEnvelope("untracked-chat", "m-1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("unknown session is a no-op, not an error; got %d", w.Code)
	}
}

func TestWebhook_StoresAgentMessageIdempotently(t *testing.T) {
	r, st := newWebhookRig(t, "")
	linkedSession(t, st, "s1", "c1")

	env := postAddedEnvelope("c1", "m-100", "Hi, how can I help?")
	if w := postEvent(r, nil, env); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// Push backends redeliver; the second delivery must not duplicate.
	if w := postEvent(r, nil, env); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", w.Code)
	}

	msgs, _ := st.ListMessagesSince("s1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 stored row, got %d", len(msgs))
	}
	if msgs[0].SenderType != model.SenderAgent || msgs[0].Content != "Hi, how can I help?" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].ExternalMessageID == nil || *msgs[0].ExternalMessageID != "m-100" {
		t.Fatalf("expected external id m-100, got %v", msgs[0].ExternalMessageID)
	}
	if msgs[0].SenderID != "agent-1" {
		t.Fatalf("expected sender agent-1, got %q", msgs[0].SenderID)
	}
}

func TestWebhook_OwnRelayedPostSkipped(t *testing.T) {
	r, st := newWebhookRig(t, "")
	linkedSession(t, st, "s1", "c1")

	w := postEvent(r, nil, postAddedEnvelope("c1", "m-2", "[web-visitor] Ann: Hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	msgs, _ := st.ListMessagesSince("s1", 0, 10)
	if len(msgs) != 0 {
		t.Fatalf("our own echoed post must not become an agent message")
	}
}

func TestWebhook_VerificationTokenAccepted(t *testing.T) {
	r, st := newWebhookRig(t, "secret-token")
	linkedSession(t, st, "s1", "c1")

	w := postEvent(r, map[string]string{"Verification-Token": "secret-token"},
		postAddedEnvelope("c1", "m-3", "hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	msgs, _ := st.ListMessagesSince("s1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected stored message, got %d", len(msgs))
	}
}
