package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

// StripeClient implements reconcile.ProviderClient against the Stripe
// API, used when an invoice references a subscription the store has not
// seen yet.
type StripeClient struct {
	client *stripe.Client
}

// NewStripeClient creates a Stripe-backed provider client.
func NewStripeClient(apiKey string) (*StripeClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	return &StripeClient{client: stripe.NewClient(apiKey)}, nil
}

// GetSubscription implements reconcile.ProviderClient.
func (c *StripeClient) GetSubscription(ctx context.Context, providerSubID string) (*reconcile.SubscriptionPayload, error) {
	sub, err := c.client.V1Subscriptions.Retrieve(ctx, providerSubID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}

	payload := &reconcile.SubscriptionPayload{
		ProviderID:        sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		payload.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				payload.PriceRefs = append(payload.PriceRefs, item.Price.ID)
			}
		}
	}
	// Period timestamps live on the subscription or its items depending
	// on the API version, so they come out of the response JSON.
	if sub.LastResponse != nil {
		start, end := periodFromJSON(sub.LastResponse.RawJSON)
		if start > 0 {
			payload.PeriodStart = time.Unix(start, 0).UTC()
		}
		if end > 0 {
			payload.PeriodEnd = time.Unix(end, 0).UTC()
		}
	}
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0).UTC()
		payload.TrialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		payload.TrialEnd = &t
	}
	return payload, nil
}

func periodFromJSON(raw []byte) (start, end int64) {
	var fields struct {
		CurrentPeriodStart int64 `json:"current_period_start"`
		CurrentPeriodEnd   int64 `json:"current_period_end"`
		Items              struct {
			Data []struct {
				CurrentPeriodStart int64 `json:"current_period_start"`
				CurrentPeriodEnd   int64 `json:"current_period_end"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, 0
	}
	start, end = fields.CurrentPeriodStart, fields.CurrentPeriodEnd
	if start == 0 && len(fields.Items.Data) > 0 {
		start = fields.Items.Data[0].CurrentPeriodStart
		end = fields.Items.Data[0].CurrentPeriodEnd
	}
	return start, end
}
