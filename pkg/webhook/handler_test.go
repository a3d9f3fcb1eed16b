package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/slidecast/billingsync/pkg/reconcile"
	"github.com/slidecast/billingsync/storage/memory"
)

const (
	testSecret      = "whsec_test_secret"
	testResyncToken = "resync-token"
)

type fakeDirectory struct {
	users   map[string]*reconcile.User
	patches []reconcile.UserPatch
}

func newFakeDirectory(users ...*reconcile.User) *fakeDirectory {
	d := &fakeDirectory{users: make(map[string]*reconcile.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) FindByID(_ context.Context, id string) (*reconcile.User, error) {
	return d.users[id], nil
}

func (d *fakeDirectory) FindByEmail(_ context.Context, email string) (*reconcile.User, error) {
	for _, u := range d.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) FindByExternalID(_ context.Context, externalID string) (*reconcile.User, error) {
	for _, u := range d.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) FindByProviderCustomerID(_ context.Context, customerID string) (*reconcile.User, error) {
	for _, u := range d.users {
		if u.ProviderCustomerID == customerID {
			return u, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) Update(_ context.Context, userID string, patch reconcile.UserPatch) error {
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
	d.patches = append(d.patches, patch)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()

	store := memory.New()
	dir := newFakeDirectory(&reconcile.User{ID: "42", Email: "creator@example.com"})
	catalog := reconcile.NewStaticCatalog(
		map[string]reconcile.Tier{"price_basic": reconcile.TierBasic},
		map[reconcile.Tier]reconcile.PlanFeatures{
			reconcile.TierBasic: {VideoLimit: 50},
			reconcile.TierFree:  {VideoLimit: 3},
		},
	)
	engine, err := reconcile.New(reconcile.Config{
		Store:     store,
		Directory: dir,
		Catalog:   catalog,
	})
	require.NoError(t, err)

	config := DefaultConfig()
	config.WebhookSecret = testSecret
	config.ResyncToken = testResyncToken
	handler, err := NewHandler(engine, config)
	require.NoError(t, err)
	return handler, store
}

// signPayload forges a Stripe-Signature header for a payload.
func signPayload(secret string, payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEventJSON(eventID string, created time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": %q,
		"type": "customer.subscription.created",
		"created": %d,
		"data": {
			"object": {
				"id": "sub_1",
				"object": "subscription",
				"customer": "cus_1",
				"status": "active",
				"metadata": {"user_id": "42"},
				"current_period_start": %d,
				"current_period_end": %d,
				"items": {"data": [{"price": {"id": "price_basic"}}]}
			}
		}
	}`, eventID, stripe.APIVersion, created.Unix(), created.Unix(), created.AddDate(0, 1, 0).Unix()))
}

func TestWebhookProcessesSignedEvent(t *testing.T) {
	handler, store := newTestHandler(t)
	now := time.Now()
	payload := subscriptionEventJSON("evt_1", now)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signPayload(testSecret, payload, now))
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.True(t, resp.Handled)
	assert.False(t, resp.Duplicate)

	rec, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventStatusProcessed, rec.Status)

	sub, err := store.SubscriptionByProviderID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.TierBasic, sub.PlanName)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	handler, _ := newTestHandler(t)
	now := time.Now()
	payload := subscriptionEventJSON("evt_dup", now)

	for i, wantDuplicate := range []bool{false, true} {
		req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(payload)))
		req.Header.Set("Stripe-Signature", signPayload(testSecret, payload, now))
		rr := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, "delivery %d", i)
		var resp webhookResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, wantDuplicate, resp.Duplicate, "delivery %d", i)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler, _ := newTestHandler(t)
	payload := subscriptionEventJSON("evt_bad_sig", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signPayload("whsec_wrong", payload, time.Now()))
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	handler, _ := newTestHandler(t)
	payload := subscriptionEventJSON("evt_no_sig", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(payload)))
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookRejectsOversizedPayload(t *testing.T) {
	handler, _ := newTestHandler(t)
	payload := strings.Repeat("x", 256*1024+1)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(testSecret, []byte(payload), time.Now()))
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestWebhookUnhandledEventType(t *testing.T) {
	handler, store := newTestHandler(t)
	now := time.Now()
	payload := []byte(fmt.Sprintf(
		`{"id": "evt_other", "object": "event", "api_version": %q, "type": "charge.refunded", "created": %d, "data": {"object": {}}}`,
		stripe.APIVersion, now.Unix()))

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signPayload(testSecret, payload, now))
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rec, err := store.GetEvent(context.Background(), "evt_other")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventStatusProcessed, rec.Status)
	assert.False(t, rec.Handled)
}

func TestResyncRequiresToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	payload := subscriptionEventJSON("evt_resync_auth", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(string(payload)))
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(string(payload)))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr = httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestResyncProcessesEvent(t *testing.T) {
	handler, store := newTestHandler(t)
	payload := subscriptionEventJSON("evt_resync", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(string(payload)))
	req.Header.Set("Authorization", "Bearer "+testResyncToken)
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rec, err := store.GetEvent(context.Background(), "evt_resync")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventStatusProcessed, rec.Status)
}
