package reconcile

import (
	"context"
	"time"
)

// Notifier is the fire-and-forget notification collaborator. Calls run
// in the post-commit side-effect phase; failures are logged and never
// abort the authoritative state transition.
type Notifier interface {
	SubscriptionStarted(ctx context.Context, userID string, tier Tier) error
	PlanChanged(ctx context.Context, userID string, change ChangeType, fromTier, toTier Tier) error
	SubscriptionCanceled(ctx context.Context, userID string) error
	PaymentFailed(ctx context.Context, userID string) error
	TrialEnding(ctx context.Context, userID string, endsAt time.Time) error
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (n *NoopNotifier) SubscriptionStarted(context.Context, string, Tier) error { return nil }
func (n *NoopNotifier) PlanChanged(context.Context, string, ChangeType, Tier, Tier) error {
	return nil
}
func (n *NoopNotifier) SubscriptionCanceled(context.Context, string) error       { return nil }
func (n *NoopNotifier) PaymentFailed(context.Context, string) error              { return nil }
func (n *NoopNotifier) TrialEnding(context.Context, string, time.Time) error     { return nil }

// TokenInvalidator forces re-issuance of a user's cached entitlement
// token after tier or status changes, so stale entitlements are not
// served. Lifecycle of the backing cache is owned by the hosting
// process, not by this engine.
type TokenInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// NoopInvalidator is used when no token cache is wired in.
type NoopInvalidator struct{}

func (n *NoopInvalidator) Invalidate(context.Context, string) error { return nil }

// ProviderClient performs outbound lookups against the payment
// provider, used when an event references a subscription the store has
// not seen (e.g. an invoice that only carries a subscription ID).
type ProviderClient interface {
	GetSubscription(ctx context.Context, providerSubID string) (*SubscriptionPayload, error)
}
