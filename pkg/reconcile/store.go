package reconcile

import (
	"context"
	"time"
)

// Store defines the persistence interface for the reconciliation engine.
// Each method is individually atomic; ApplyChange commits a whole
// ChangeSet in one transaction so a reader never observes a subscription
// record referencing a stale or missing usage record.
type Store interface {
	// RecordEventIfNew is the idempotency guard. If no row exists for
	// eventID, it inserts one in status processing and returns isNew=true.
	// If a row exists and is already processed without error, it returns
	// isNew=false and the caller must short-circuit. If a row exists but a
	// prior attempt failed, it increments retry_count, re-enters
	// processing and returns isNew=true. Safe under concurrent delivery
	// of the same event ID.
	RecordEventIfNew(ctx context.Context, eventID, eventType string, payload []byte, createdAt time.Time) (bool, *EventRecord, error)

	// MarkEventProcessed records a terminal success. handled=false with a
	// reason marks events the engine accepted but did not act on.
	MarkEventProcessed(ctx context.Context, eventID string, handled bool, reason string) error

	// MarkEventFailed records a failure, leaving the row eligible for
	// retry on redelivery.
	MarkEventFailed(ctx context.Context, eventID, errMsg string) error

	// GetEvent returns the stored event row, or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)

	// PendingEvents returns events awaiting (re)processing: pending rows
	// and failed rows whose retry backoff has elapsed, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]*EventRecord, error)

	// SubscriptionByProviderID returns the record for a provider
	// subscription ID, or ErrSubscriptionNotFound.
	SubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// FreePlaceholder returns the user's active free-tier record that has
	// no provider subscription ID (created at registration), or nil.
	FreePlaceholder(ctx context.Context, userID string) (*Subscription, error)

	// ApplyChange commits a ChangeSet atomically.
	ApplyChange(ctx context.Context, change *ChangeSet) error

	// UsageBySubscription returns the usage record for a (user,
	// subscription) pair, or nil if none exists.
	UsageBySubscription(ctx context.Context, userID, subscriptionID string) (*UsageRecord, error)

	// CurrentUsageForUser returns the user's usage record whose period
	// contains the given instant, from any subscription, or nil.
	CurrentUsageForUser(ctx context.Context, userID string, at time.Time) (*UsageRecord, error)

	// AddUsage applies additive counter deltas to a usage record. This is
	// the feature-usage increment path; deltas commute with the engine's
	// limit and period updates.
	AddUsage(ctx context.Context, userID, subscriptionID string, delta Counters) error

	// MigrationsForSubscription returns the append-only migration audit
	// trail for a subscription record, oldest first.
	MigrationsForSubscription(ctx context.Context, subscriptionID string) ([]*PlanMigration, error)
}

// ChangeSet is the unit of atomicity for one event handler. Everything
// in it commits in a single transaction or not at all.
type ChangeSet struct {
	// Subscription is upserted by ProviderSubscriptionID.
	Subscription *Subscription

	// Cancel lists internal subscription IDs to mark canceled, used to
	// retire free-tier placeholders superseded by a paid subscription.
	Cancel []string

	// Usage is upserted by (UserID, SubscriptionID).
	Usage *UsageRecord

	// Migration is appended to the audit trail.
	Migration *PlanMigration
}

// Empty reports whether the ChangeSet carries no writes.
func (c *ChangeSet) Empty() bool {
	return c == nil || (c.Subscription == nil && len(c.Cancel) == 0 && c.Usage == nil && c.Migration == nil)
}
