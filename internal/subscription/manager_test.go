package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"granite-chat-relay/internal/rc"
	"granite-chat-relay/internal/store"
)

type fakeBackend struct {
	existing []rc.SubscriptionInfo
	renewErr error

	listed  int
	renewed []string
	deleted []string
	created int
}

func (f *fakeBackend) ListSubscriptions(ctx context.Context) ([]rc.SubscriptionInfo, error) {
	f.listed++
	return f.existing, nil
}

func (f *fakeBackend) CreateSubscription(ctx context.Context, filters []string, url, token string, ttl time.Duration) (rc.SubscriptionInfo, error) {
	f.created++
	return rc.SubscriptionInfo{
		ID:             "sub-new",
		EventFilters:   filters,
		ExpirationTime: time.Now().Add(ttl).Format(time.RFC3339),
		DeliveryMode:   rc.DeliveryMode{TransportType: "WebHook", Address: url},
	}, nil
}

func (f *fakeBackend) RenewSubscription(ctx context.Context, id string) (rc.SubscriptionInfo, error) {
	f.renewed = append(f.renewed, id)
	if f.renewErr != nil {
		return rc.SubscriptionInfo{}, f.renewErr
	}
	return rc.SubscriptionInfo{
		ID:             id,
		EventFilters:   filters(),
		ExpirationTime: time.Now().Add(time.Hour).Format(time.RFC3339),
	}, nil
}

func (f *fakeBackend) DeleteSubscription(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func filters() []string { return []string{"/team-messaging/v1/posts"} }

const webhookURL = "https://example.com/webhook"

func newTestManager(t *testing.T, backend *fakeBackend) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(backend, st, webhookURL, "vt", filters(), time.Hour), st
}

func existingSub(id string) rc.SubscriptionInfo {
	return rc.SubscriptionInfo{
		ID:             id,
		EventFilters:   filters(),
		ExpirationTime: time.Now().Add(time.Hour).Format(time.RFC3339),
		DeliveryMode:   rc.DeliveryMode{TransportType: "WebHook", Address: webhookURL},
	}
}

func TestEnsure_CreatesWhenAbsent(t *testing.T) {
	backend := &fakeBackend{}
	m, st := newTestManager(t, backend)

	sub, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if backend.created != 1 {
		t.Fatalf("expected 1 create, got %d", backend.created)
	}
	if sub.ID != "sub-new" {
		t.Fatalf("expected sub-new, got %q", sub.ID)
	}

	local, err := st.GetSubscription(webhookURL)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if local.ID != "sub-new" {
		t.Fatalf("local mirror not updated: %+v", local)
	}
}

func TestEnsure_RenewsMatching(t *testing.T) {
	backend := &fakeBackend{existing: []rc.SubscriptionInfo{existingSub("sub-1")}}
	m, _ := newTestManager(t, backend)

	sub, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(backend.renewed) != 1 || backend.renewed[0] != "sub-1" {
		t.Fatalf("expected renew of sub-1, got %v", backend.renewed)
	}
	if backend.created != 0 || len(backend.deleted) != 0 {
		t.Fatalf("renew must not create or delete (created=%d deleted=%v)", backend.created, backend.deleted)
	}
	if sub.ID != "sub-1" {
		t.Fatalf("expected sub-1, got %q", sub.ID)
	}
}

func TestEnsure_RecreatesWhenRenewFails(t *testing.T) {
	backend := &fakeBackend{
		existing: []rc.SubscriptionInfo{existingSub("sub-1")},
		renewErr: &rc.APIError{StatusCode: 404, Message: "gone"},
	}
	m, _ := newTestManager(t, backend)

	sub, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != "sub-1" {
		t.Fatalf("expected stale delete, got %v", backend.deleted)
	}
	if backend.created != 1 || sub.ID != "sub-new" {
		t.Fatalf("expected fresh create, got created=%d id=%q", backend.created, sub.ID)
	}
}

func TestEnsure_ReplacesWrongFilters(t *testing.T) {
	stale := existingSub("sub-1")
	stale.EventFilters = []string{"/restapi/v1.0/other"}
	backend := &fakeBackend{existing: []rc.SubscriptionInfo{stale}}
	m, _ := newTestManager(t, backend)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(backend.renewed) != 0 {
		t.Fatalf("must not renew a filter mismatch")
	}
	if len(backend.deleted) != 1 || backend.created != 1 {
		t.Fatalf("expected replace, got deleted=%v created=%d", backend.deleted, backend.created)
	}
}

func TestEnsure_RetiresDuplicates(t *testing.T) {
	backend := &fakeBackend{existing: []rc.SubscriptionInfo{existingSub("sub-1"), existingSub("sub-2")}}
	m, _ := newTestManager(t, backend)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != "sub-2" {
		t.Fatalf("expected duplicate sub-2 retired, got %v", backend.deleted)
	}
}

func TestClassify(t *testing.T) {
	var subErr *SubError
	if err := classify(&rc.APIError{StatusCode: 404}); !errors.As(err, &subErr) || subErr.Kind != ErrNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := classify(&rc.APIError{StatusCode: 400}); !errors.As(err, &subErr) || subErr.Kind != ErrRejected {
		t.Fatalf("expected rejected, got %v", err)
	}
	if err := classify(&rc.APIError{StatusCode: 503}); !errors.As(err, &subErr) || subErr.Kind != ErrTransient {
		t.Fatalf("expected transient, got %v", err)
	}
	if err := classify(errors.New("dial tcp: timeout")); !errors.As(err, &subErr) || subErr.Kind != ErrTransient {
		t.Fatalf("expected transient for network error, got %v", err)
	}
}
