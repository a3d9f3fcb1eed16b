// Package memory provides an in-memory implementation of the
// reconcile.Store interface. It is primarily intended for testing and
// development; a single mutex gives every operation the same atomicity
// a transactional backend provides.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

// Store implements reconcile.Store using in-memory maps.
type Store struct {
	mu            sync.Mutex
	events        map[string]*reconcile.EventRecord
	subsByID      map[string]*reconcile.Subscription
	subByProvider map[string]string // provider subscription ID -> internal ID
	usage         map[string]*reconcile.UsageRecord
	migrations    map[string][]*reconcile.PlanMigration
	now           func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:        make(map[string]*reconcile.EventRecord),
		subsByID:      make(map[string]*reconcile.Subscription),
		subByProvider: make(map[string]string),
		usage:         make(map[string]*reconcile.UsageRecord),
		migrations:    make(map[string][]*reconcile.PlanMigration),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func usageKey(userID, subscriptionID string) string {
	return userID + "/" + subscriptionID
}

// RecordEventIfNew implements reconcile.Store.
func (s *Store) RecordEventIfNew(
	ctx context.Context, eventID, eventType string, payload []byte, createdAt time.Time,
) (bool, *reconcile.EventRecord, error) {
	if eventID == "" {
		return false, nil, fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[eventID]; ok {
		if existing.Status == reconcile.EventStatusProcessed && existing.ErrorMessage == "" {
			rec := *existing
			return false, &rec, nil
		}
		existing.RetryCount++
		existing.Status = reconcile.EventStatusProcessing
		rec := *existing
		return true, &rec, nil
	}

	record := &reconcile.EventRecord{
		ProviderEventID:   eventID,
		EventType:         eventType,
		Payload:           append([]byte(nil), payload...),
		Status:            reconcile.EventStatusProcessing,
		ReceivedAt:        s.now(),
		ProviderCreatedAt: createdAt,
	}
	s.events[eventID] = record
	rec := *record
	return true, &rec, nil
}

// MarkEventProcessed implements reconcile.Store.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, handled bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.events[eventID]
	if !ok {
		return reconcile.ErrEventNotFound
	}
	now := s.now()
	record.Status = reconcile.EventStatusProcessed
	record.Handled = handled
	record.Reason = reason
	record.ProcessedAt = &now
	record.NextRetryAt = nil
	record.ErrorMessage = ""
	return nil
}

// MarkEventFailed implements reconcile.Store.
func (s *Store) MarkEventFailed(ctx context.Context, eventID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.events[eventID]
	if !ok {
		return reconcile.ErrEventNotFound
	}
	record.Status = reconcile.EventStatusFailed
	record.ErrorMessage = errMsg
	retryAt := s.now().Add(retryBackoff(record.RetryCount))
	record.NextRetryAt = &retryAt
	return nil
}

// retryBackoff doubles from five minutes per attempt, capped at one day.
func retryBackoff(retryCount int) time.Duration {
	backoff := 5 * time.Minute << uint(retryCount)
	if backoff > 24*time.Hour || backoff <= 0 {
		backoff = 24 * time.Hour
	}
	return backoff
}

// GetEvent implements reconcile.Store.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*reconcile.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.events[eventID]
	if !ok {
		return nil, reconcile.ErrEventNotFound
	}
	rec := *record
	return &rec, nil
}

// PendingEvents implements reconcile.Store.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*reconcile.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pending []*reconcile.EventRecord
	for _, record := range s.events {
		switch record.Status {
		case reconcile.EventStatusPending:
		case reconcile.EventStatusFailed:
			if record.NextRetryAt != nil && record.NextRetryAt.After(now) {
				continue
			}
		default:
			continue
		}
		rec := *record
		pending = append(pending, &rec)
	}

	// Oldest first.
	slices.SortFunc(pending, func(a, b *reconcile.EventRecord) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// SubscriptionByProviderID implements reconcile.Store.
func (s *Store) SubscriptionByProviderID(ctx context.Context, providerSubID string) (*reconcile.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.subByProvider[providerSubID]
	if !ok {
		return nil, reconcile.ErrSubscriptionNotFound
	}
	sub := *s.subsByID[id]
	return &sub, nil
}

// FreePlaceholder implements reconcile.Store.
func (s *Store) FreePlaceholder(ctx context.Context, userID string) (*reconcile.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subsByID {
		if sub.UserID == userID &&
			sub.Status == reconcile.SubscriptionActive &&
			!sub.PlanName.Paid() &&
			sub.ProviderSubscriptionID == "" {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

// ApplyChange implements reconcile.Store. The single mutex makes the
// whole ChangeSet atomic with respect to readers.
func (s *Store) ApplyChange(ctx context.Context, change *reconcile.ChangeSet) error {
	if change.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub := change.Subscription; sub != nil {
		cp := *sub
		if sub.ProviderSubscriptionID != "" {
			if existingID, ok := s.subByProvider[sub.ProviderSubscriptionID]; ok {
				cp.ID = existingID
			} else {
				s.subByProvider[sub.ProviderSubscriptionID] = cp.ID
			}
		}
		s.subsByID[cp.ID] = &cp
	}

	for _, id := range change.Cancel {
		if sub, ok := s.subsByID[id]; ok {
			sub.Status = reconcile.SubscriptionCanceled
			sub.UpdatedAt = s.now()
		}
	}

	if usage := change.Usage; usage != nil {
		cp := *usage
		key := usageKey(usage.UserID, usage.SubscriptionID)
		if existing, ok := s.usage[key]; ok {
			cp.ID = existing.ID
		}
		s.usage[key] = &cp
	}

	if m := change.Migration; m != nil {
		cp := *m
		s.migrations[m.SubscriptionID] = append(s.migrations[m.SubscriptionID], &cp)
	}

	return nil
}

// UsageBySubscription implements reconcile.Store.
func (s *Store) UsageBySubscription(ctx context.Context, userID, subscriptionID string) (*reconcile.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.usage[usageKey(userID, subscriptionID)]
	if !ok {
		return nil, nil
	}
	cp := *usage
	return &cp, nil
}

// CurrentUsageForUser implements reconcile.Store.
func (s *Store) CurrentUsageForUser(ctx context.Context, userID string, at time.Time) (*reconcile.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *reconcile.UsageRecord
	for _, usage := range s.usage {
		if usage.UserID != userID || !usage.CurrentAt(at) {
			continue
		}
		if current == nil || usage.UpdatedAt.After(current.UpdatedAt) {
			current = usage
		}
	}
	if current == nil {
		return nil, nil
	}
	cp := *current
	return &cp, nil
}

// AddUsage implements reconcile.Store with additive counter deltas, so
// concurrent increments and engine-side limit updates commute.
func (s *Store) AddUsage(ctx context.Context, userID, subscriptionID string, delta reconcile.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.usage[usageKey(userID, subscriptionID)]
	if !ok {
		return fmt.Errorf("no usage record for user %s subscription %s", userID, subscriptionID)
	}
	usage.Counters = usage.Counters.Add(delta)
	usage.UpdatedAt = s.now()
	return nil
}

// MigrationsForSubscription implements reconcile.Store.
func (s *Store) MigrationsForSubscription(ctx context.Context, subscriptionID string) ([]*reconcile.PlanMigration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.migrations[subscriptionID]
	out := make([]*reconcile.PlanMigration, len(records))
	for i, m := range records {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// PutSubscription seeds a subscription record directly, bypassing the
// ChangeSet path. Used to set up registration-time free placeholders in
// tests and development.
func (s *Store) PutSubscription(sub *reconcile.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.subsByID[cp.ID] = &cp
	if cp.ProviderSubscriptionID != "" {
		s.subByProvider[cp.ProviderSubscriptionID] = cp.ID
	}
}

// SetNow overrides the store clock, for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]*reconcile.EventRecord)
	s.subsByID = make(map[string]*reconcile.Subscription)
	s.subByProvider = make(map[string]string)
	s.usage = make(map[string]*reconcile.UsageRecord)
	s.migrations = make(map[string][]*reconcile.PlanMigration)
}
