package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"granite-chat-relay/internal/model"
)

// SaveSubscription mirrors the remote subscription state locally. Rows are
// keyed by webhook URL and replaced on renewal, never appended.
func (s *Store) SaveSubscription(sub model.Subscription) error {
	filters, err := json.Marshal(sub.EventFilters)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO subscriptions (webhook_url, id, event_filters, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(webhook_url) DO UPDATE SET
			id = excluded.id,
			event_filters = excluded.event_filters,
			expires_at = excluded.expires_at`,
		sub.WebhookURL, sub.ID, string(filters), sub.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(webhookURL string) (model.Subscription, error) {
	var (
		sub     model.Subscription
		filters string
	)
	err := s.db.QueryRow(`SELECT webhook_url, id, event_filters, expires_at
		FROM subscriptions WHERE webhook_url = ?`, webhookURL).Scan(
		&sub.WebhookURL, &sub.ID, &filters, &sub.ExpiresAt)
	if err == sql.ErrNoRows {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(filters), &sub.EventFilters); err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) DeleteSubscription(webhookURL string) error {
	if _, err := s.db.Exec(`DELETE FROM subscriptions WHERE webhook_url = ?`, webhookURL); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
