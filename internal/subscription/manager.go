package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/rc"
	"granite-chat-relay/internal/store"
)

type SubErrorKind string

const (
	ErrNotFound  SubErrorKind = "not-found"
	ErrRejected  SubErrorKind = "rejected"
	ErrTransient SubErrorKind = "transient"
)

type SubError struct {
	Kind SubErrorKind
	Err  error
}

func (e *SubError) Error() string {
	return fmt.Sprintf("subscription (%s): %v", e.Kind, e.Err)
}

func (e *SubError) Unwrap() error { return e.Err }

// Backend is the subscription slice of the remote client.
type Backend interface {
	ListSubscriptions(ctx context.Context) ([]rc.SubscriptionInfo, error)
	CreateSubscription(ctx context.Context, eventFilters []string, webhookURL, verificationToken string, ttl time.Duration) (rc.SubscriptionInfo, error)
	RenewSubscription(ctx context.Context, id string) (rc.SubscriptionInfo, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Manager keeps exactly one webhook subscription alive for our URL. Renewal
// is preferred; a stale or rejected subscription is deleted and recreated so
// the backend never delivers through two registrations at once.
type Manager struct {
	backend           Backend
	store             *store.Store
	webhookURL        string
	verificationToken string
	eventFilters      []string
	ttl               time.Duration
}

func NewManager(backend Backend, st *store.Store, webhookURL, verificationToken string, eventFilters []string, ttl time.Duration) *Manager {
	return &Manager{
		backend:           backend,
		store:             st,
		webhookURL:        webhookURL,
		verificationToken: verificationToken,
		eventFilters:      eventFilters,
		ttl:               ttl,
	}
}

// Ensure converges the remote state to one live subscription for our webhook
// URL and mirrors it into the local table.
func (m *Manager) Ensure(ctx context.Context) (model.Subscription, error) {
	subs, err := m.backend.ListSubscriptions(ctx)
	if err != nil {
		return model.Subscription{}, classify(err)
	}

	var result rc.SubscriptionInfo
	found := false
	for _, sub := range subs {
		if sub.DeliveryMode.Address != m.webhookURL {
			continue
		}
		if found {
			// Duplicate registration for our URL; retire it before it
			// double-delivers.
			if err := m.backend.DeleteSubscription(ctx, sub.ID); err != nil {
				log.Warn().Str("subscriptionId", sub.ID).Err(err).Msg("delete duplicate subscription")
			}
			continue
		}

		if sameFilters(sub.EventFilters, m.eventFilters) {
			renewed, err := m.backend.RenewSubscription(ctx, sub.ID)
			if err == nil {
				result, found = renewed, true
				continue
			}
			log.Warn().Str("subscriptionId", sub.ID).Err(err).Msg("renew failed; recreating subscription")
		}

		// Wrong filters or dead subscription: replace it.
		if err := m.backend.DeleteSubscription(ctx, sub.ID); err != nil {
			var apiErr *rc.APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
				return model.Subscription{}, classify(err)
			}
		}
	}

	if !found {
		created, err := m.backend.CreateSubscription(ctx, m.eventFilters, m.webhookURL, m.verificationToken, m.ttl)
		if err != nil {
			return model.Subscription{}, classify(err)
		}
		result = created
	}

	sub := model.Subscription{
		ID:           result.ID,
		EventFilters: result.EventFilters,
		WebhookURL:   m.webhookURL,
		ExpiresAt:    result.ExpiresAtMillis(),
	}
	if err := m.store.SaveSubscription(sub); err != nil {
		return model.Subscription{}, &SubError{Kind: ErrTransient, Err: err}
	}
	return sub, nil
}

// Run renews on a fixed interval until ctx is cancelled. The interval must
// be well inside the subscription lifetime; missing a renewal means silent
// delivery loss until the next Ensure.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if sub, err := m.Ensure(ctx); err != nil {
			log.Error().Err(err).Msg("subscription renewal failed")
		} else {
			log.Info().Str("subscriptionId", sub.ID).Int64("expiresAt", sub.ExpiresAt).
				Msg("subscription ensured")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sameFilters(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func classify(err error) error {
	var apiErr *rc.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return &SubError{Kind: ErrNotFound, Err: err}
		case apiErr.StatusCode >= 500:
			return &SubError{Kind: ErrTransient, Err: err}
		default:
			return &SubError{Kind: ErrRejected, Err: err}
		}
	}
	return &SubError{Kind: ErrTransient, Err: err}
}
