package reconcile_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

func parseEnvelope(t *testing.T, envelope string) *reconcile.Event {
	t.Helper()
	var stripeEvent stripe.Event
	require.NoError(t, json.Unmarshal([]byte(envelope), &stripeEvent))
	ev, err := reconcile.ParseStripeEvent(&stripeEvent)
	require.NoError(t, err)
	return ev
}

func TestParseSubscriptionCreatedEvent(t *testing.T) {
	ev := parseEnvelope(t, `{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"created": 1748779200,
		"data": {
			"object": {
				"id": "sub_1",
				"object": "subscription",
				"customer": "cus_1",
				"status": "active",
				"metadata": {"user_id": "42"},
				"current_period_start": 1748779200,
				"current_period_end": 1751371200,
				"cancel_at_period_end": false,
				"items": {"data": [{"price": {"id": "price_basic"}}]}
			}
		}
	}`)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, reconcile.EventSubscriptionCreated, ev.Type)
	assert.Equal(t, time.Unix(1748779200, 0).UTC(), ev.CreatedAt)

	require.NotNil(t, ev.Subscription)
	p := ev.Subscription
	assert.Equal(t, "sub_1", p.ProviderID)
	assert.Equal(t, "cus_1", p.CustomerID)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, []string{"price_basic"}, p.PriceRefs)
	assert.Equal(t, "42", p.Metadata["user_id"])
	assert.Equal(t, time.Unix(1748779200, 0).UTC(), p.PeriodStart)
	assert.Equal(t, time.Unix(1751371200, 0).UTC(), p.PeriodEnd)
	assert.False(t, p.CancelAtPeriodEnd)
	assert.Nil(t, ev.Invoice)
}

func TestParseSubscriptionPeriodOnItems(t *testing.T) {
	// Newer API versions carry the current period on the subscription items.
	ev := parseEnvelope(t, `{
		"id": "evt_2",
		"type": "customer.subscription.updated",
		"created": 1748779200,
		"data": {
			"object": {
				"id": "sub_1",
				"object": "subscription",
				"customer": {"id": "cus_1"},
				"status": "active",
				"items": {"data": [{
					"price": {"id": "price_premium"},
					"current_period_start": 1748779200,
					"current_period_end": 1751371200
				}]}
			}
		}
	}`)

	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "cus_1", ev.Subscription.CustomerID)
	assert.Equal(t, time.Unix(1748779200, 0).UTC(), ev.Subscription.PeriodStart)
	assert.Equal(t, time.Unix(1751371200, 0).UTC(), ev.Subscription.PeriodEnd)
}

func TestParseSubscriptionTrialDates(t *testing.T) {
	ev := parseEnvelope(t, `{
		"id": "evt_trial",
		"type": "customer.subscription.trial_will_end",
		"created": 1748779200,
		"data": {
			"object": {
				"id": "sub_trial",
				"object": "subscription",
				"status": "trialing",
				"trial_start": 1748779200,
				"trial_end": 1749988800
			}
		}
	}`)

	require.NotNil(t, ev.Subscription)
	require.NotNil(t, ev.Subscription.TrialStart)
	require.NotNil(t, ev.Subscription.TrialEnd)
	assert.Equal(t, time.Unix(1749988800, 0).UTC(), *ev.Subscription.TrialEnd)
}

func TestParseInvoiceSubscriptionRefForms(t *testing.T) {
	tests := []struct {
		name    string
		objJSON string
		wantSub string
	}{
		{
			name:    "bare id string",
			objJSON: `{"id": "in_1", "object": "invoice", "customer": "cus_1", "subscription": "sub_1"}`,
			wantSub: "sub_1",
		},
		{
			name:    "expanded object",
			objJSON: `{"id": "in_2", "object": "invoice", "customer": {"id": "cus_1"}, "subscription": {"id": "sub_1"}}`,
			wantSub: "sub_1",
		},
		{
			name:    "parent subscription details",
			objJSON: `{"id": "in_3", "object": "invoice", "customer": "cus_1", "parent": {"subscription_details": {"subscription": "sub_1"}}}`,
			wantSub: "sub_1",
		},
		{
			name:    "no subscription",
			objJSON: `{"id": "in_4", "object": "invoice", "customer": "cus_1"}`,
			wantSub: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := parseEnvelope(t, `{
				"id": "evt_inv",
				"type": "invoice.payment_succeeded",
				"created": 1748779200,
				"data": {"object": `+tt.objJSON+`}
			}`)
			require.NotNil(t, ev.Invoice)
			assert.Equal(t, "cus_1", ev.Invoice.CustomerID)
			assert.Equal(t, tt.wantSub, ev.Invoice.SubscriptionID)
		})
	}
}

func TestParseRejectsMissingEventID(t *testing.T) {
	_, err := reconcile.ParseStripeEvent(&stripe.Event{})
	assert.ErrorIs(t, err, reconcile.ErrInvalidPayload)

	_, err = reconcile.ParseStripeEvent(nil)
	assert.ErrorIs(t, err, reconcile.ErrInvalidPayload)
}

func TestParseRejectsSubscriptionWithoutID(t *testing.T) {
	var stripeEvent stripe.Event
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "evt_bad",
		"type": "customer.subscription.created",
		"created": 1748779200,
		"data": {"object": {"object": "subscription"}}
	}`), &stripeEvent))

	_, err := reconcile.ParseStripeEvent(&stripeEvent)
	assert.ErrorIs(t, err, reconcile.ErrInvalidPayload)
}

func TestEventFromRecordRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "sub_1",
		"object": "subscription",
		"customer": "cus_1",
		"status": "active",
		"items": {"data": [{"price": {"id": "price_basic"}}]}
	}`)
	rec := &reconcile.EventRecord{
		ProviderEventID:   "evt_replay",
		EventType:         string(reconcile.EventSubscriptionCreated),
		Payload:           raw,
		ProviderCreatedAt: baseTime,
	}

	ev, err := reconcile.EventFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "evt_replay", ev.ID)
	assert.Equal(t, baseTime, ev.CreatedAt)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_1", ev.Subscription.ProviderID)
}
