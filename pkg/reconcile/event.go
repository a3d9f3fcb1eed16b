package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// EventType identifies a provider lifecycle event.
type EventType string

const (
	EventSubscriptionCreated      EventType = "customer.subscription.created"
	EventSubscriptionUpdated      EventType = "customer.subscription.updated"
	EventSubscriptionDeleted      EventType = "customer.subscription.deleted"
	EventSubscriptionPaused       EventType = "customer.subscription.paused"
	EventSubscriptionResumed      EventType = "customer.subscription.resumed"
	EventSubscriptionTrialWillEnd EventType = "customer.subscription.trial_will_end"
	EventInvoicePaymentSucceeded  EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     EventType = "invoice.payment_failed"
	EventInvoiceActionRequired    EventType = "invoice.payment_action_required"
)

// Event is the normalized form of one inbound provider event. Exactly
// one of Subscription or Invoice is set for event types the engine
// understands; both are nil for unrecognized types.
type Event struct {
	ID        string
	Type      EventType
	CreatedAt time.Time
	Raw       json.RawMessage

	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
}

// SubscriptionPayload is the slice of a provider subscription object the
// engine acts on. It is produced by one deserialization boundary so the
// handlers never branch on wire representation.
type SubscriptionPayload struct {
	ProviderID        string
	CustomerID        string
	Status            string
	PriceRefs         []string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	TrialStart        *time.Time
	TrialEnd          *time.Time
	Metadata          map[string]string
}

// InvoicePayload is the slice of a provider invoice object the engine
// acts on.
type InvoicePayload struct {
	ProviderID     string
	CustomerID     string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Metadata       map[string]string
}

// ParseStripeEvent normalizes a verified Stripe event envelope.
func ParseStripeEvent(ev *stripe.Event) (*Event, error) {
	if ev == nil || ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	return parseObject(ev.ID, EventType(ev.Type), time.Unix(ev.Created, 0).UTC(), ev.Data.Raw)
}

// EventFromRecord reconstructs an Event from a stored audit row, used
// for replaying pending or failed events.
func EventFromRecord(rec *EventRecord) (*Event, error) {
	if rec == nil || rec.ProviderEventID == "" {
		return nil, fmt.Errorf("%w: missing event record", ErrInvalidPayload)
	}
	return parseObject(rec.ProviderEventID, EventType(rec.EventType), rec.ProviderCreatedAt, rec.Payload)
}

func parseObject(id string, eventType EventType, createdAt time.Time, raw json.RawMessage) (*Event, error) {
	ev := &Event{
		ID:        id,
		Type:      eventType,
		CreatedAt: createdAt,
		Raw:       raw,
	}

	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed, EventSubscriptionTrialWillEnd:
		payload, err := parseSubscriptionObject(raw)
		if err != nil {
			return nil, err
		}
		ev.Subscription = payload

	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed, EventInvoiceActionRequired:
		payload, err := parseInvoiceObject(raw)
		if err != nil {
			return nil, err
		}
		ev.Invoice = payload
	}

	return ev, nil
}

func parseSubscriptionObject(raw json.RawMessage) (*SubscriptionPayload, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription object: %v", ErrInvalidPayload, err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription object has no id", ErrInvalidPayload)
	}

	payload := &SubscriptionPayload{
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
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0).UTC()
		payload.TrialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		payload.TrialEnd = &t
	}

	// The API places current-period timestamps on the subscription or on
	// its items depending on version, so they are read from the raw JSON.
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
	if err := json.Unmarshal(raw, &fields); err == nil {
		start, end := fields.CurrentPeriodStart, fields.CurrentPeriodEnd
		if start == 0 && len(fields.Items.Data) > 0 {
			start = fields.Items.Data[0].CurrentPeriodStart
			end = fields.Items.Data[0].CurrentPeriodEnd
		}
		if start > 0 {
			payload.PeriodStart = time.Unix(start, 0).UTC()
		}
		if end > 0 {
			payload.PeriodEnd = time.Unix(end, 0).UTC()
		}
	}

	return payload, nil
}

func parseInvoiceObject(raw json.RawMessage) (*InvoicePayload, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("%w: invoice object: %v", ErrInvalidPayload, err)
	}

	payload := &InvoicePayload{
		ProviderID: invoice.ID,
		Metadata:   invoice.Metadata,
	}
	if invoice.PeriodStart > 0 {
		payload.PeriodStart = time.Unix(invoice.PeriodStart, 0).UTC()
	}
	if invoice.PeriodEnd > 0 {
		payload.PeriodEnd = time.Unix(invoice.PeriodEnd, 0).UTC()
	}

	// Customer and subscription references arrive either expanded or as
	// bare ID strings, so both shapes are read from the raw JSON.
	var fields struct {
		Customer     json.RawMessage `json:"customer"`
		Subscription json.RawMessage `json:"subscription"`
		Parent       struct {
			SubscriptionDetails struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &fields); err == nil {
		payload.CustomerID = refID(fields.Customer)
		payload.SubscriptionID = refID(fields.Subscription)
		if payload.SubscriptionID == "" {
			payload.SubscriptionID = refID(fields.Parent.SubscriptionDetails.Subscription)
		}
	}

	return payload, nil
}

// refID extracts an object reference that may be a bare ID string or an
// expanded object with an "id" field.
func refID(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
