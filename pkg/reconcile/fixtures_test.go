package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slidecast/billingsync/pkg/reconcile"
	"github.com/slidecast/billingsync/storage/memory"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu      sync.Mutex
	users   map[string]*reconcile.User
	patches map[string][]reconcile.UserPatch
	failOn  string
}

func newFakeDirectory(users ...*reconcile.User) *fakeDirectory {
	d := &fakeDirectory{
		users:   make(map[string]*reconcile.User),
		patches: make(map[string][]reconcile.UserPatch),
	}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) FindByID(_ context.Context, id string) (*reconcile.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[id], nil
}

func (d *fakeDirectory) FindByEmail(_ context.Context, email string) (*reconcile.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) FindByExternalID(_ context.Context, externalID string) (*reconcile.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) FindByProviderCustomerID(_ context.Context, customerID string) (*reconcile.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ProviderCustomerID == customerID {
			return u, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) Update(_ context.Context, userID string, patch reconcile.UserPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if userID == d.failOn {
		return fmt.Errorf("directory unavailable")
	}
	u, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	if patch.Plan != nil {
		u.Plan = *patch.Plan
	}
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	if patch.ProviderCustomerID != nil {
		u.ProviderCustomerID = *patch.ProviderCustomerID
	}
	d.patches[userID] = append(d.patches[userID], patch)
	return nil
}

type notification struct {
	kind   string
	userID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	fail bool
}

func (n *fakeNotifier) record(kind, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return fmt.Errorf("smtp unavailable")
	}
	n.sent = append(n.sent, notification{kind: kind, userID: userID})
	return nil
}

func (n *fakeNotifier) SubscriptionStarted(_ context.Context, userID string, _ reconcile.Tier) error {
	return n.record("subscription_started", userID)
}

func (n *fakeNotifier) PlanChanged(_ context.Context, userID string, _ reconcile.ChangeType, _, _ reconcile.Tier) error {
	return n.record("plan_changed", userID)
}

func (n *fakeNotifier) SubscriptionCanceled(_ context.Context, userID string) error {
	return n.record("subscription_canceled", userID)
}

func (n *fakeNotifier) PaymentFailed(_ context.Context, userID string) error {
	return n.record("payment_failed", userID)
}

func (n *fakeNotifier) TrialEnding(_ context.Context, userID string, _ time.Time) error {
	return n.record("trial_ending", userID)
}

func (n *fakeNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.kind
	}
	return out
}

type fakeInvalidator struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type fakeProvider struct {
	subs map[string]*reconcile.SubscriptionPayload
}

func (p *fakeProvider) GetSubscription(_ context.Context, providerSubID string) (*reconcile.SubscriptionPayload, error) {
	sub, ok := p.subs[providerSubID]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", providerSubID)
	}
	return sub, nil
}

func testCatalog() *reconcile.StaticCatalog {
	return reconcile.NewStaticCatalog(
		map[string]reconcile.Tier{
			"price_basic":      reconcile.TierBasic,
			"price_premium":    reconcile.TierPremium,
			"price_creator":    reconcile.TierCreator,
			"price_enterprise": reconcile.TierEnterprise,
		},
		map[reconcile.Tier]reconcile.PlanFeatures{
			reconcile.TierFree:       {VideoLimit: 3, APILimit: 100},
			reconcile.TierBasic:      {VideoLimit: 50, APILimit: 1000},
			reconcile.TierPremium:    {VideoLimit: 200, APILimit: 10000, AISummaries: true},
			reconcile.TierCreator:    {VideoLimit: 1000, APILimit: 50000, AISummaries: true, Analytics: true},
			reconcile.TierEnterprise: {VideoLimit: 10000, APILimit: 500000, AISummaries: true, Analytics: true},
		},
	)
}

type testEnv struct {
	engine   *reconcile.Engine
	store    *memory.Store
	dir      *fakeDirectory
	notifier *fakeNotifier
	tokens   *fakeInvalidator
	provider *fakeProvider
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    memory.New(),
		dir:      newFakeDirectory(&reconcile.User{ID: "42", Email: "creator@example.com", ExternalID: "legacy-42"}),
		notifier: &fakeNotifier{},
		tokens:   &fakeInvalidator{},
		provider: &fakeProvider{subs: make(map[string]*reconcile.SubscriptionPayload)},
		now:      baseTime,
	}
	env.store.SetNow(func() time.Time { return env.now })

	engine, err := reconcile.New(reconcile.Config{
		Store:     env.store,
		Directory: env.dir,
		Catalog:   testCatalog(),
		Provider:  env.provider,
		Notifier:  env.notifier,
		Tokens:    env.tokens,
		Now:       func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.engine = engine
	return env
}

// subscriptionEvent builds a normalized subscription lifecycle event.
func subscriptionEvent(
	id string, eventType reconcile.EventType, createdAt time.Time,
	payload *reconcile.SubscriptionPayload,
) *reconcile.Event {
	return &reconcile.Event{
		ID:           id,
		Type:         eventType,
		CreatedAt:    createdAt,
		Subscription: payload,
	}
}

func invoiceEvent(
	id string, eventType reconcile.EventType, createdAt time.Time,
	payload *reconcile.InvoicePayload,
) *reconcile.Event {
	return &reconcile.Event{
		ID:        id,
		Type:      eventType,
		CreatedAt: createdAt,
		Invoice:   payload,
	}
}

func basicSubscription(createdAt time.Time) *reconcile.SubscriptionPayload {
	return &reconcile.SubscriptionPayload{
		ProviderID:  "sub_1",
		CustomerID:  "cus_1",
		Status:      "active",
		PriceRefs:   []string{"price_basic"},
		PeriodStart: createdAt,
		PeriodEnd:   createdAt.AddDate(0, 1, 0),
		Metadata:    map[string]string{"user_id": "42"},
	}
}
