package reconcile

import (
	"context"
	"fmt"
)

// Handlers are idempotent at the data level (upsert by provider
// subscription ID) on top of the event-store guard, because a later
// event can arrive before an earlier one. Events older than the last
// applied one for a subscription are recorded as stale, not applied.

func (e *Engine) handleSubscriptionCreated(ctx context.Context, ev *Event) (*outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: no subscription object", ErrInvalidPayload)
	}

	userID, err := e.resolveSubscriptionUser(ctx, p)
	if err != nil {
		return nil, err
	}
	tier, priceRef, err := e.tierForPayload(ctx, p)
	if err != nil {
		return nil, err
	}

	existing, err := e.subscriptionOrNil(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}
	if stale := staleOutcome(existing, ev); stale != nil {
		return stale, nil
	}

	now := e.now()
	sub := e.buildSubscription(existing, userID, p, tier, priceRef, ev.CreatedAt, now)
	change := &ChangeSet{Subscription: sub}

	// A paid subscription supersedes the free-tier placeholder created at
	// registration, so the user never has two active rows.
	if tier.Paid() {
		placeholder, err := e.store.FreePlaceholder(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("placeholder lookup: %w", err)
		}
		if placeholder != nil && placeholder.ID != sub.ID {
			change.Cancel = append(change.Cancel, placeholder.ID)
			e.log.Info("canceling free-tier placeholder",
				F("user_id", userID), F("placeholder_id", placeholder.ID))
		}
	}

	limit := e.catalog.Features(tier).VideoLimit
	usage, changed, err := e.usage.EnsurePeriodUsage(
		ctx, userID, sub.ID, sub.PeriodStart, sub.PeriodEnd, limit, now)
	if err != nil {
		return nil, err
	}
	if changed {
		change.Usage = usage
	}

	oldTier := TierFree
	if existing != nil {
		oldTier = existing.PlanName
	}
	if tier != oldTier {
		e.metrics.RecordTierChange(Classify(oldTier, tier), oldTier, tier)
	}

	out := &outcome{change: change, handled: true}
	out.patches = append(out.patches, directoryPatch{
		userID: userID,
		patch: UserPatch{
			Plan:               &tier,
			ProviderCustomerID: optional(p.CustomerID),
		},
	})
	out.effects = append(out.effects,
		sideEffect{kind: "notification", run: func(ctx context.Context) error {
			return e.notifier.SubscriptionStarted(ctx, userID, tier)
		}},
		e.invalidateTokens(userID),
	)
	return out, nil
}

func (e *Engine) handleSubscriptionUpdated(ctx context.Context, ev *Event) (*outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: no subscription object", ErrInvalidPayload)
	}

	// Portal-initiated changes may omit user metadata entirely; the
	// resolver falls back to the customer link and the stored record.
	userID, err := e.resolveSubscriptionUser(ctx, p)
	if err != nil {
		return nil, err
	}
	tier, priceRef, err := e.tierForPayload(ctx, p)
	if err != nil {
		return nil, err
	}

	existing, err := e.subscriptionOrNil(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Out-of-order delivery: the update arrived before the create.
		// Upsert semantics make this indistinguishable from a create.
		e.log.Warn("update for unknown subscription, upserting",
			F("provider_subscription_id", p.ProviderID))
		return e.handleSubscriptionCreated(ctx, ev)
	}
	if stale := staleOutcome(existing, ev); stale != nil {
		return stale, nil
	}

	now := e.now()
	sub := e.buildSubscription(existing, userID, p, tier, priceRef, ev.CreatedAt, now)
	change := &ChangeSet{Subscription: sub}
	out := &outcome{change: change, handled: true}

	oldTier := existing.PlanName
	tierChanged := tier != oldTier
	periodChanged := !sub.PeriodStart.Equal(existing.PeriodStart)
	limit := e.catalog.Features(tier).VideoLimit

	usage, usageChanged, err := e.usage.EnsurePeriodUsage(
		ctx, userID, sub.ID, sub.PeriodStart, sub.PeriodEnd, limit, now)
	if err != nil {
		return nil, err
	}
	if usageChanged {
		change.Usage = usage
	}

	switch {
	case tierChanged:
		changeType := Classify(oldTier, tier)
		change.Migration = &PlanMigration{
			ID:                     e.newID(),
			UserID:                 userID,
			SubscriptionID:         sub.ID,
			FromPlan:               oldTier,
			ToPlan:                 tier,
			MigrationType:          changeType,
			EffectiveDate:          ev.CreatedAt,
			ProviderSubscriptionID: p.ProviderID,
		}
		e.metrics.RecordTierChange(changeType, oldTier, tier)

		// Downgrades apply the lower limit immediately but existing usage
		// above it is noteworthy, not an error; enforcement happens on
		// the increment path going forward.
		if changeType == ChangeDowngrade && usage.Counters.VideosProcessed > int64(limit) {
			e.log.Warn("usage above new limit after downgrade",
				F("user_id", userID),
				F("videos_processed", usage.Counters.VideosProcessed),
				F("new_limit", limit))
		}

		out.patches = append(out.patches, directoryPatch{userID: userID, patch: UserPatch{Plan: &tier}})
		out.effects = append(out.effects,
			sideEffect{kind: "notification", run: func(ctx context.Context) error {
				return e.notifier.PlanChanged(ctx, userID, changeType, oldTier, tier)
			}})

	case periodChanged:
		// Billing-period change without a tier change (e.g. monthly to
		// annual) is audited as a crossgrade; counters carried over.
		change.Migration = &PlanMigration{
			ID:                     e.newID(),
			UserID:                 userID,
			SubscriptionID:         sub.ID,
			FromPlan:               oldTier,
			ToPlan:                 tier,
			MigrationType:          ChangeCrossgrade,
			EffectiveDate:          ev.CreatedAt,
			ProviderSubscriptionID: p.ProviderID,
		}
	}

	out.effects = append(out.effects, e.invalidateTokens(userID))
	return out, nil
}

func (e *Engine) handleSubscriptionDeleted(ctx context.Context, ev *Event) (*outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: no subscription object", ErrInvalidPayload)
	}

	existing, err := e.subscriptionOrNil(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Nothing to retire; the record may never have been created.
		return &outcome{handled: true, reason: "no subscription on record"}, nil
	}
	if stale := staleOutcome(existing, ev); stale != nil {
		return stale, nil
	}

	now := e.now()
	sub := *existing
	sub.Status = SubscriptionCanceled
	sub.LastEventAt = ev.CreatedAt
	sub.UpdatedAt = now
	change := &ChangeSet{Subscription: &sub}

	// The user reverts to the free tier; the current usage record keeps
	// its counters with the free limit applied.
	freeTier := TierFree
	limit := e.catalog.Features(freeTier).VideoLimit
	usage, usageChanged, err := e.usage.EnsurePeriodUsage(
		ctx, sub.UserID, sub.ID, sub.PeriodStart, sub.PeriodEnd, limit, now)
	if err != nil {
		return nil, err
	}
	if usageChanged {
		change.Usage = usage
	}

	e.metrics.RecordTierChange(Classify(existing.PlanName, freeTier), existing.PlanName, freeTier)

	out := &outcome{change: change, handled: true}
	out.patches = append(out.patches, directoryPatch{
		userID: sub.UserID,
		patch:  UserPatch{Plan: &freeTier},
	})
	out.effects = append(out.effects,
		sideEffect{kind: "notification", run: func(ctx context.Context) error {
			return e.notifier.SubscriptionCanceled(ctx, sub.UserID)
		}},
		e.invalidateTokens(sub.UserID),
	)
	return out, nil
}

func (e *Engine) handleSubscriptionPaused(ctx context.Context, ev *Event) (*outcome, error) {
	return e.toggleStatus(ctx, ev, SubscriptionPaused, false)
}

func (e *Engine) handleSubscriptionResumed(ctx context.Context, ev *Event) (*outcome, error) {
	return e.toggleStatus(ctx, ev, SubscriptionActive, true)
}

// toggleStatus handles pause/resume, which change status only. Resume
// additionally restores the tier-derived usage limit.
func (e *Engine) toggleStatus(
	ctx context.Context, ev *Event, status SubscriptionStatus, restoreLimits bool,
) (*outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: no subscription object", ErrInvalidPayload)
	}

	existing, err := e.subscriptionOrNil(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Pause/resume implies a record that must already exist.
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, p.ProviderID)
	}
	if stale := staleOutcome(existing, ev); stale != nil {
		return stale, nil
	}

	now := e.now()
	sub := *existing
	sub.Status = status
	sub.LastEventAt = ev.CreatedAt
	sub.UpdatedAt = now
	change := &ChangeSet{Subscription: &sub}

	if restoreLimits {
		limit := e.catalog.Features(sub.PlanName).VideoLimit
		usage, usageChanged, err := e.usage.EnsurePeriodUsage(
			ctx, sub.UserID, sub.ID, sub.PeriodStart, sub.PeriodEnd, limit, now)
		if err != nil {
			return nil, err
		}
		if usageChanged {
			change.Usage = usage
		}
	}

	out := &outcome{change: change, handled: true}
	out.effects = append(out.effects, e.invalidateTokens(sub.UserID))
	return out, nil
}

func (e *Engine) handleTrialWillEnd(ctx context.Context, ev *Event) (*outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: no subscription object", ErrInvalidPayload)
	}
	if p.TrialEnd == nil {
		return &outcome{handled: false, reason: "no trial end date"}, nil
	}

	userID, err := e.resolveSubscriptionUser(ctx, p)
	if err != nil {
		return nil, err
	}

	endsAt := *p.TrialEnd
	out := &outcome{handled: true}
	out.effects = append(out.effects,
		sideEffect{kind: "notification", run: func(ctx context.Context) error {
			return e.notifier.TrialEnding(ctx, userID, endsAt)
		}})
	return out, nil
}

func (e *Engine) handleInvoicePaymentSucceeded(ctx context.Context, ev *Event) (*outcome, error) {
	inv := ev.Invoice
	if inv == nil {
		return nil, fmt.Errorf("%w: no invoice object", ErrInvalidPayload)
	}
	if inv.SubscriptionID == "" {
		return &outcome{handled: false, reason: "not a subscription invoice"}, nil
	}

	existing, err := e.subscriptionOrNil(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var sub *Subscription
	if existing == nil {
		// Only an invoice reached us: fetch the subscription upstream so
		// the record can be created. Transport-level retries belong to the
		// provider client, not here.
		if e.provider == nil {
			return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, inv.SubscriptionID)
		}
		p, fetchErr := e.provider.GetSubscription(ctx, inv.SubscriptionID)
		if fetchErr != nil {
			return nil, fmt.Errorf("%w: subscription %s: %v", ErrUpstreamLookup, inv.SubscriptionID, fetchErr)
		}
		if p.CustomerID == "" {
			p.CustomerID = inv.CustomerID
		}
		userID, resolveErr := e.resolveSubscriptionUser(ctx, p)
		if resolveErr != nil {
			return nil, resolveErr
		}
		tier, priceRef, tierErr := e.tierForPayload(ctx, p)
		if tierErr != nil {
			return nil, tierErr
		}
		sub = e.buildSubscription(nil, userID, p, tier, priceRef, ev.CreatedAt, now)
	} else {
		if stale := staleOutcome(existing, ev); stale != nil {
			return stale, nil
		}
		s := *existing
		s.Status = SubscriptionActive
		s.LastEventAt = ev.CreatedAt
		s.UpdatedAt = now
		if !inv.PeriodStart.IsZero() {
			s.PeriodStart = inv.PeriodStart
		}
		if !inv.PeriodEnd.IsZero() {
			s.PeriodEnd = inv.PeriodEnd
		}
		sub = &s
	}

	// A paid invoice is the period-renewal signal: counters reset to
	// zero, but only if the period truly advanced.
	limit := e.catalog.Features(sub.PlanName).VideoLimit
	usage, usageChanged, err := e.usage.RenewPeriodUsage(
		ctx, sub.UserID, sub.ID, sub.PeriodStart, sub.PeriodEnd, limit, now)
	if err != nil {
		return nil, err
	}

	change := &ChangeSet{Subscription: sub}
	if usageChanged {
		change.Usage = usage
	}

	out := &outcome{change: change, handled: true}
	active := "active"
	out.patches = append(out.patches, directoryPatch{
		userID: sub.UserID,
		patch:  UserPatch{Status: &active},
	})
	out.effects = append(out.effects, e.invalidateTokens(sub.UserID))
	return out, nil
}

func (e *Engine) handleInvoicePaymentFailed(ctx context.Context, ev *Event) (*outcome, error) {
	return e.degradeForInvoice(ctx, ev, SubscriptionPastDue, "past_due", true)
}

func (e *Engine) handleInvoiceActionRequired(ctx context.Context, ev *Event) (*outcome, error) {
	return e.degradeForInvoice(ctx, ev, SubscriptionIncomplete, "incomplete", false)
}

// degradeForInvoice marks the user degraded on a failed or
// action-required invoice. The subscription's period is never altered.
func (e *Engine) degradeForInvoice(
	ctx context.Context, ev *Event, status SubscriptionStatus, userStatus string, notify bool,
) (*outcome, error) {
	inv := ev.Invoice
	if inv == nil {
		return nil, fmt.Errorf("%w: no invoice object", ErrInvalidPayload)
	}
	if inv.SubscriptionID == "" {
		return &outcome{handled: false, reason: "not a subscription invoice"}, nil
	}

	existing, err := e.subscriptionOrNil(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, err
	}

	out := &outcome{handled: true}
	var userID string
	if existing != nil {
		if stale := staleOutcome(existing, ev); stale != nil {
			return stale, nil
		}
		sub := *existing
		sub.Status = status
		sub.LastEventAt = ev.CreatedAt
		sub.UpdatedAt = e.now()
		out.change = &ChangeSet{Subscription: &sub}
		userID = sub.UserID
	} else {
		userID, err = e.resolver.Resolve(ctx, IdentityHint{
			CustomerID:     inv.CustomerID,
			SubscriptionID: inv.SubscriptionID,
		})
		if err != nil {
			return nil, err
		}
	}

	out.patches = append(out.patches, directoryPatch{
		userID: userID,
		patch:  UserPatch{Status: &userStatus},
	})
	if notify {
		out.effects = append(out.effects,
			sideEffect{kind: "notification", run: func(ctx context.Context) error {
				return e.notifier.PaymentFailed(ctx, userID)
			}})
	}
	out.effects = append(out.effects, e.invalidateTokens(userID))
	return out, nil
}

// staleOutcome returns a non-nil outcome when the event is older than
// the last one applied to the subscription.
func staleOutcome(existing *Subscription, ev *Event) *outcome {
	if existing == nil || ev.CreatedAt.After(existing.LastEventAt) {
		return nil
	}
	return &outcome{handled: false, reason: "stale"}
}

func (e *Engine) invalidateTokens(userID string) sideEffect {
	return sideEffect{kind: "token_invalidation", run: func(ctx context.Context) error {
		return e.tokens.Invalidate(ctx, userID)
	}}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
