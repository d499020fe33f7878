package rc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticTokens string

func (s staticTokens) GetAccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, 5*time.Second, staticTokens("tok"))
}

func TestClient_CreateChatAndPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		switch r.URL.Path {
		case "/team-messaging/v1/teams":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["name"] == "" {
				t.Errorf("expected chat name")
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "chat-1"})
		case "/team-messaging/v1/chats/chat-1/posts":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["text"] != "hello" {
				t.Errorf("expected text hello, got %v", body["text"])
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "post-1", "groupId": "chat-1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)

	chatID, err := c.CreateChat(context.Background(), "Website chat - Ann")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if chatID != "chat-1" {
		t.Fatalf("expected chat-1, got %q", chatID)
	}

	postID, err := c.PostMessage(context.Background(), chatID, "hello")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if postID != "post-1" {
		t.Fatalf("expected post-1, got %q", postID)
	}
}

func TestClient_SubscriptionLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/restapi/v1.0/subscription" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{{
				"id":             "sub-1",
				"eventFilters":   []string{"/team-messaging/v1/posts"},
				"expirationTime": time.Now().Add(time.Hour).Format(time.RFC3339),
				"deliveryMode":   map[string]any{"transportType": "WebHook", "address": "https://x/webhook"},
			}}})
		case r.URL.Path == "/restapi/v1.0/subscription" && r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["expiresIn"].(float64) <= 0 {
				t.Errorf("expected positive expiresIn")
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "sub-2", "eventFilters": body["eventFilters"]})
		case r.URL.Path == "/restapi/v1.0/subscription/sub-1/renew":
			json.NewEncoder(w).Encode(map[string]any{"id": "sub-1",
				"expirationTime": time.Now().Add(2 * time.Hour).Format(time.RFC3339)})
		case r.URL.Path == "/restapi/v1.0/subscription/sub-1" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()

	subs, err := c.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub-1" {
		t.Fatalf("unexpected subscriptions: %+v", subs)
	}
	if subs[0].ExpiresAtMillis() <= time.Now().UnixMilli() {
		t.Fatalf("expected future expiration")
	}

	if _, err := c.RenewSubscription(ctx, "sub-1"); err != nil {
		t.Fatalf("RenewSubscription: %v", err)
	}
	if _, err := c.CreateSubscription(ctx, []string{"/team-messaging/v1/posts"}, "https://x/webhook", "vt", time.Hour); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := c.DeleteSubscription(ctx, "sub-1"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"errorCode": "SUB-404", "message": "Subscription not found"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.RenewSubscription(context.Background(), "gone")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Code != "SUB-404" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
