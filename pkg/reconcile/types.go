package reconcile

import (
	"encoding/json"
	"time"
)

// EventStatus is the processing status of a stored webhook event.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

// EventRecord is the durable audit row for one provider webhook event.
// Rows are created on first sight of an event ID and never deleted.
// Status transitions are monotonic except failed -> processing (retry).
type EventRecord struct {
	ProviderEventID   string
	EventType         string
	Payload           json.RawMessage
	Status            EventStatus
	Handled           bool
	Reason            string
	RetryCount        int
	ReceivedAt        time.Time
	ProviderCreatedAt time.Time
	ProcessedAt       *time.Time
	NextRetryAt       *time.Time
	ErrorMessage      string
}

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPaused     SubscriptionStatus = "paused"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// Subscription is the internal record of a provider subscription,
// keyed by ProviderSubscriptionID. Records are logically retired
// (status canceled) rather than deleted.
type Subscription struct {
	ID                     string
	UserID                 string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	PlanName               Tier
	PriceRef               string
	Status                 SubscriptionStatus
	PeriodStart            time.Time
	PeriodEnd              time.Time
	CancelAtPeriodEnd      bool
	TrialStart             *time.Time
	TrialEnd               *time.Time

	// LastEventAt is the provider timestamp of the last applied event.
	// Older events are rejected as stale instead of overwriting newer state.
	LastEventAt time.Time

	UpdatedAt time.Time
}

// Counters holds the per-period consumption tallies. All mutations are
// additive deltas so concurrent increments and limit updates commute.
type Counters struct {
	VideosProcessed int64
	APICallsMade    int64
	StorageUsedMB   int64
	AISummaries     int64
	AnalyticsViews  int64
}

// Add returns the element-wise sum of two counter sets.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		VideosProcessed: c.VideosProcessed + d.VideosProcessed,
		APICallsMade:    c.APICallsMade + d.APICallsMade,
		StorageUsedMB:   c.StorageUsedMB + d.StorageUsedMB,
		AISummaries:     c.AISummaries + d.AISummaries,
		AnalyticsViews:  c.AnalyticsViews + d.AnalyticsViews,
	}
}

// UsageRecord tracks consumption for one subscription over one billing
// period. At most one record exists per (UserID, SubscriptionID).
type UsageRecord struct {
	ID             string
	UserID         string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	UsageLimit     int
	Counters       Counters
	UpdatedAt      time.Time
}

// CurrentAt reports whether t falls inside [PeriodStart, PeriodEnd).
func (u *UsageRecord) CurrentAt(t time.Time) bool {
	return !t.Before(u.PeriodStart) && t.Before(u.PeriodEnd)
}

// PlanMigration is an append-only audit row for a plan transition.
type PlanMigration struct {
	ID                     string
	UserID                 string
	SubscriptionID         string
	FromPlan               Tier
	ToPlan                 Tier
	MigrationType          ChangeType
	EffectiveDate          time.Time
	ProviderSubscriptionID string
}

// User mirrors the slice of the user directory this engine reads and writes.
type User struct {
	ID                 string
	Email              string
	ExternalID         string
	ProviderCustomerID string
	Plan               Tier
	Status             string
}

// UserPatch is a partial update applied to a directory user. Nil fields
// are left untouched.
type UserPatch struct {
	Plan               *Tier
	Status             *string
	ProviderCustomerID *string
}

// PlanFeatures describes what a tier entitles a user to.
type PlanFeatures struct {
	VideoLimit     int
	APILimit       int
	StorageLimitMB int
	AISummaries    bool
	Analytics      bool
}
