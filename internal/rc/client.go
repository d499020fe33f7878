package rc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenSource supplies a currently valid bearer token. *AuthManager is the
// production implementation; tests substitute a static one.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Client talks to the team-messaging REST surface: chat creation, message
// posting, and webhook subscription management.
type Client struct {
	serverURL  string
	httpClient *http.Client
	tokens     TokenSource
}

func NewClient(serverURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

type chatInfo struct {
	ID string `json:"id"`
}

type postInfo struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
}

// DeliveryMode describes where and how the backend pushes events.
type DeliveryMode struct {
	TransportType     string `json:"transportType"`
	Address           string `json:"address"`
	VerificationToken string `json:"verificationToken,omitempty"`
}

// SubscriptionInfo is the backend's view of a webhook subscription.
type SubscriptionInfo struct {
	ID             string       `json:"id"`
	EventFilters   []string     `json:"eventFilters"`
	ExpirationTime string       `json:"expirationTime"`
	Status         string       `json:"status"`
	DeliveryMode   DeliveryMode `json:"deliveryMode"`
}

// ExpiresAtMillis parses the backend's RFC3339 expiration into unix millis;
// zero when absent or unparseable.
func (s SubscriptionInfo) ExpiresAtMillis() int64 {
	if s.ExpirationTime == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s.ExpirationTime)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// CreateChat creates the remote conversation that will carry one visitor's
// session and returns its id.
func (c *Client) CreateChat(ctx context.Context, name string) (string, error) {
	body := map[string]any{"name": name, "public": false}
	var chat chatInfo
	if err := c.do(ctx, http.MethodPost, "/team-messaging/v1/teams", body, &chat); err != nil {
		return "", err
	}
	if chat.ID == "" {
		return "", fmt.Errorf("create chat: response missing id")
	}
	return chat.ID, nil
}

// PostMessage posts text into a chat and returns the backend's post id.
func (c *Client) PostMessage(ctx context.Context, chatID, text string) (string, error) {
	path := fmt.Sprintf("/team-messaging/v1/chats/%s/posts", chatID)
	var post postInfo
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"text": text}, &post); err != nil {
		return "", err
	}
	if post.ID == "" {
		return "", fmt.Errorf("post message: response missing id")
	}
	return post.ID, nil
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]SubscriptionInfo, error) {
	var out struct {
		Records []SubscriptionInfo `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/restapi/v1.0/subscription", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) CreateSubscription(ctx context.Context, eventFilters []string, webhookURL, verificationToken string, ttl time.Duration) (SubscriptionInfo, error) {
	body := map[string]any{
		"eventFilters": eventFilters,
		"deliveryMode": DeliveryMode{
			TransportType:     "WebHook",
			Address:           webhookURL,
			VerificationToken: verificationToken,
		},
		"expiresIn": int64(ttl.Seconds()),
	}
	var sub SubscriptionInfo
	if err := c.do(ctx, http.MethodPost, "/restapi/v1.0/subscription", body, &sub); err != nil {
		return SubscriptionInfo{}, err
	}
	return sub, nil
}

func (c *Client) RenewSubscription(ctx context.Context, id string) (SubscriptionInfo, error) {
	path := fmt.Sprintf("/restapi/v1.0/subscription/%s/renew", id)
	var sub SubscriptionInfo
	if err := c.do(ctx, http.MethodPost, path, nil, &sub); err != nil {
		return SubscriptionInfo{}, err
	}
	return sub, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/restapi/v1.0/subscription/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed struct {
			ErrorCode string `json:"errorCode"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(data, &parsed) == nil {
			apiErr.Code = parsed.ErrorCode
			apiErr.Message = parsed.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
