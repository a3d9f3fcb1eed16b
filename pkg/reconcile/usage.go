package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeriodManager plans usage-record updates for billing-period and tier
// changes. It only computes the record to write; the caller commits it
// through a ChangeSet so subscription and usage rows move together.
type PeriodManager struct {
	store Store
	log   Logger
	newID func() string
}

// NewPeriodManager creates a PeriodManager over a store.
func NewPeriodManager(store Store, log Logger) *PeriodManager {
	if log == nil {
		log = &NoopLogger{}
	}
	return &PeriodManager{store: store, log: log, newID: uuid.NewString}
}

// EnsurePeriodUsage returns the usage record a subscription should have
// for the given period and limit, under the tier-change / period-change
// policy: counters are never reset here.
//
//  1. An existing record with matching period and limit is returned
//     unchanged (the operation is idempotent).
//  2. An existing record with a different period keeps its counters and
//     gets its period bounds and limit rewritten.
//  3. With no record for this subscription, counters are carried over
//     from the user's current-period record on another subscription
//     (mid-period tier swap), so upgrading never grants fresh headroom.
//  4. Otherwise a new record starts with zeroed counters.
//
// The bool result reports whether the record needs writing.
func (m *PeriodManager) EnsurePeriodUsage(
	ctx context.Context, userID, subscriptionID string,
	periodStart, periodEnd time.Time, limit int, now time.Time,
) (*UsageRecord, bool, error) {
	existing, err := m.store.UsageBySubscription(ctx, userID, subscriptionID)
	if err != nil {
		return nil, false, fmt.Errorf("usage lookup: %w", err)
	}

	if existing != nil {
		if existing.PeriodStart.Equal(periodStart) && existing.PeriodEnd.Equal(periodEnd) {
			if existing.UsageLimit == limit {
				return existing, false, nil
			}
			updated := *existing
			updated.UsageLimit = limit
			updated.UpdatedAt = now
			return &updated, true, nil
		}

		// Period changed: rewrite the bounds and limit, keep the counters.
		// Usage only resets at a genuine renewal signaled by a fresh
		// invoice, handled by RenewPeriodUsage.
		updated := *existing
		updated.PeriodStart = periodStart
		updated.PeriodEnd = periodEnd
		updated.UsageLimit = limit
		updated.UpdatedAt = now
		return &updated, true, nil
	}

	record := &UsageRecord{
		ID:             m.newID(),
		UserID:         userID,
		SubscriptionID: subscriptionID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		UsageLimit:     limit,
		UpdatedAt:      now,
	}

	current, err := m.store.CurrentUsageForUser(ctx, userID, now)
	if err != nil {
		return nil, false, fmt.Errorf("current usage lookup: %w", err)
	}
	if current != nil && current.SubscriptionID != subscriptionID {
		record.Counters = current.Counters
		m.log.Info("carried usage counters across subscriptions",
			F("user_id", userID),
			F("from_subscription", current.SubscriptionID),
			F("to_subscription", subscriptionID))
	}

	return record, true, nil
}

// RenewPeriodUsage applies the period-renewal policy used when the
// provider confirms payment for a fresh invoice: counters reset to zero,
// but only if the period truly advanced. Redelivered or older renewal
// signals leave the record untouched.
func (m *PeriodManager) RenewPeriodUsage(
	ctx context.Context, userID, subscriptionID string,
	periodStart, periodEnd time.Time, limit int, now time.Time,
) (*UsageRecord, bool, error) {
	existing, err := m.store.UsageBySubscription(ctx, userID, subscriptionID)
	if err != nil {
		return nil, false, fmt.Errorf("usage lookup: %w", err)
	}

	if existing == nil {
		return &UsageRecord{
			ID:             m.newID(),
			UserID:         userID,
			SubscriptionID: subscriptionID,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			UsageLimit:     limit,
			UpdatedAt:      now,
		}, true, nil
	}

	if !periodStart.After(existing.PeriodStart) {
		// Same period (redelivery) or an older invoice: keep counters.
		if existing.UsageLimit == limit && existing.PeriodEnd.Equal(periodEnd) {
			return existing, false, nil
		}
		if !periodStart.Equal(existing.PeriodStart) {
			return existing, false, nil
		}
		updated := *existing
		updated.PeriodEnd = periodEnd
		updated.UsageLimit = limit
		updated.UpdatedAt = now
		return &updated, true, nil
	}

	updated := *existing
	updated.PeriodStart = periodStart
	updated.PeriodEnd = periodEnd
	updated.UsageLimit = limit
	updated.Counters = Counters{}
	updated.UpdatedAt = now
	return &updated, true, nil
}
