// Package reconcile keeps internal subscription and usage-period records
// consistent with a payment provider's asynchronous, at-least-once
// webhook event stream. It ingests lifecycle events, makes them
// idempotent, classifies plan transitions, and maintains usage-period
// accounting across upgrades, downgrades and billing-period changes.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"
)

const defaultReplayConcurrency = 4

// Config wires an Engine to its store and collaborators. Store,
// Directory and Catalog are required; everything else defaults to a
// no-op implementation.
type Config struct {
	Store     Store
	Directory UserDirectory
	Catalog   PlanCatalog

	// Provider performs outbound subscription lookups when an invoice
	// references a subscription the store has not seen. Optional; without
	// it such invoices fail as retriable.
	Provider ProviderClient

	Notifier Notifier
	Tokens   TokenInvalidator
	Logger   Logger
	Metrics  Metrics

	// DefaultTier is assigned when no catalog price matches (default: free).
	DefaultTier Tier

	// ReplayConcurrency bounds concurrent event replays (default: 4).
	ReplayConcurrency int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Result reports the outcome of processing one event.
type Result struct {
	// Processed is true whenever the event reached a terminal state.
	Processed bool

	// Duplicate is true when the event ID had already been handled and
	// processing short-circuited.
	Duplicate bool

	// Handled is false for events the engine accepted but did not act on
	// (unrecognized types, stale deliveries); Reason says why.
	Handled bool
	Reason  string
}

type handlerFunc func(ctx context.Context, ev *Event) (*outcome, error)

// outcome is what a handler wants committed: one atomic ChangeSet,
// directory patches applied after the commit, and best-effort
// post-commit side effects.
type outcome struct {
	change  *ChangeSet
	patches []directoryPatch
	effects []sideEffect
	handled bool
	reason  string
}

type directoryPatch struct {
	userID string
	patch  UserPatch
}

type sideEffect struct {
	kind string
	run  func(ctx context.Context) error
}

// Engine is the webhook reconciliation engine. It consumes one event at
// a time, guards idempotency through the event store, dispatches to
// per-event-type handlers and records the outcome.
type Engine struct {
	store       Store
	dir         UserDirectory
	catalog     PlanCatalog
	provider    ProviderClient
	notifier    Notifier
	tokens      TokenInvalidator
	log         Logger
	metrics     Metrics
	resolver    *Resolver
	usage       *PeriodManager
	defaultTier Tier
	replayLimit int
	now         func() time.Time
	newID       func() string
	handlers    map[EventType]handlerFunc
}

// New creates an Engine from a Config.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Directory == nil {
		return nil, errors.New("user directory is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("plan catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = &NoopNotifier{}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = &NoopInvalidator{}
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierFree
	}
	if cfg.ReplayConcurrency <= 0 {
		cfg.ReplayConcurrency = defaultReplayConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		store:       cfg.Store,
		dir:         cfg.Directory,
		catalog:     cfg.Catalog,
		provider:    cfg.Provider,
		notifier:    cfg.Notifier,
		tokens:      cfg.Tokens,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		resolver:    NewResolver(cfg.Directory, cfg.Store, cfg.Logger),
		usage:       NewPeriodManager(cfg.Store, cfg.Logger),
		defaultTier: cfg.DefaultTier,
		replayLimit: cfg.ReplayConcurrency,
		now:         cfg.Now,
		newID:       uuid.NewString,
	}

	e.handlers = map[EventType]handlerFunc{
		EventSubscriptionCreated:      e.handleSubscriptionCreated,
		EventSubscriptionUpdated:      e.handleSubscriptionUpdated,
		EventSubscriptionDeleted:      e.handleSubscriptionDeleted,
		EventSubscriptionPaused:       e.handleSubscriptionPaused,
		EventSubscriptionResumed:      e.handleSubscriptionResumed,
		EventSubscriptionTrialWillEnd: e.handleTrialWillEnd,
		EventInvoicePaymentSucceeded:  e.handleInvoicePaymentSucceeded,
		EventInvoicePaymentFailed:     e.handleInvoicePaymentFailed,
		EventInvoiceActionRequired:    e.handleInvoiceActionRequired,
	}

	return e, nil
}

// Process reconciles one provider event. Redelivery of an already
// processed event ID returns Duplicate=true without re-executing the
// handler. Handler errors mark the event row failed and bubble up so the
// transport can return a non-success status and prompt redelivery.
func (e *Engine) Process(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil || ev.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", ErrInvalidPayload)
	}
	start := time.Now()
	eventType := string(ev.Type)

	isNew, rec, err := e.store.RecordEventIfNew(ctx, ev.ID, eventType, ev.Raw, ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("event guard: %w", err)
	}
	if !isNew {
		e.log.Debug("duplicate event short-circuited", F("event_id", ev.ID), F("event_type", eventType))
		e.metrics.RecordEvent(eventType, "duplicate")
		return &Result{Processed: true, Duplicate: true, Handled: rec.Handled, Reason: rec.Reason}, nil
	}
	if rec.RetryCount > 0 {
		e.log.Info("retrying previously failed event",
			F("event_id", ev.ID), F("retry_count", rec.RetryCount))
	}

	handler, ok := e.handlers[ev.Type]
	if !ok {
		// The provider may add event types the engine does not act on yet;
		// they are accepted and recorded, never treated as errors.
		if err := e.store.MarkEventProcessed(ctx, ev.ID, false, "not handled"); err != nil {
			return nil, fmt.Errorf("mark processed: %w", err)
		}
		e.log.Info("event type not handled", F("event_id", ev.ID), F("event_type", eventType))
		e.metrics.RecordEvent(eventType, "unhandled")
		return &Result{Processed: true, Reason: "not handled"}, nil
	}

	out, err := handler(ctx, ev)
	if err == nil && out.change != nil && !out.change.Empty() {
		if applyErr := e.store.ApplyChange(ctx, out.change); applyErr != nil {
			err = fmt.Errorf("apply change: %w", applyErr)
		}
	}
	if err == nil {
		for _, p := range out.patches {
			if patchErr := e.dir.Update(ctx, p.userID, p.patch); patchErr != nil {
				err = fmt.Errorf("directory update for user %s: %w", p.userID, patchErr)
				break
			}
		}
	}
	if err != nil {
		e.log.Error("event processing failed",
			F("event_id", ev.ID), F("event_type", eventType), F("error", err.Error()))
		if markErr := e.store.MarkEventFailed(ctx, ev.ID, err.Error()); markErr != nil {
			e.log.Error("failed to mark event failed", F("event_id", ev.ID), F("error", markErr.Error()))
		}
		e.metrics.RecordEvent(eventType, "failed")
		return nil, err
	}

	if err := e.store.MarkEventProcessed(ctx, ev.ID, out.handled, out.reason); err != nil {
		// State is committed; the event will be redelivered and the
		// handlers tolerate reapplying it.
		return nil, fmt.Errorf("mark processed: %w", err)
	}

	e.runSideEffects(ctx, out.effects)

	outcomeLabel := "processed"
	if !out.handled && out.reason == "stale" {
		outcomeLabel = "stale"
	}
	e.metrics.RecordEvent(eventType, outcomeLabel)
	e.metrics.RecordEventDuration(eventType, time.Since(start))
	return &Result{Processed: true, Handled: out.handled, Reason: out.reason}, nil
}

// Resync replays a raw provider event envelope through the same
// processing path, used by the manual resync action.
func (e *Engine) Resync(ctx context.Context, rawEvent []byte) (*Result, error) {
	var stripeEvent stripe.Event
	if err := json.Unmarshal(rawEvent, &stripeEvent); err != nil {
		return nil, fmt.Errorf("%w: event envelope: %v", ErrInvalidPayload, err)
	}
	ev, err := ParseStripeEvent(&stripeEvent)
	if err != nil {
		return nil, err
	}
	return e.Process(ctx, ev)
}

// ReplayPending reprocesses stored events that are pending or whose
// retry backoff has elapsed, with bounded concurrency. It returns the
// number of events that reached a processed state; individual replay
// failures are recorded on their event rows, not returned.
func (e *Engine) ReplayPending(ctx context.Context, limit int) (int, error) {
	records, err := e.store.PendingEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("pending events: %w", err)
	}

	var processed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.replayLimit)
	for _, rec := range records {
		g.Go(func() error {
			ev, parseErr := EventFromRecord(rec)
			if parseErr != nil {
				e.log.Error("replay parse failed",
					F("event_id", rec.ProviderEventID), F("error", parseErr.Error()))
				e.metrics.RecordReplay("failed")
				return nil
			}
			if _, procErr := e.Process(ctx, ev); procErr != nil {
				e.metrics.RecordReplay("failed")
				return nil
			}
			processed.Add(1)
			e.metrics.RecordReplay("processed")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(processed.Load()), err
	}
	return int(processed.Load()), nil
}

func (e *Engine) runSideEffects(ctx context.Context, effects []sideEffect) {
	for _, ef := range effects {
		if err := ef.run(ctx); err != nil {
			e.log.Warn("side effect failed", F("kind", ef.kind), F("error", err.Error()))
			e.metrics.RecordSideEffectError(ef.kind)
		}
	}
}

func (e *Engine) subscriptionOrNil(ctx context.Context, providerSubID string) (*Subscription, error) {
	sub, err := e.store.SubscriptionByProviderID(ctx, providerSubID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}
	return sub, nil
}

// tierForPayload picks the highest-ranked tier among the payload's
// price references. Prices missing from the catalog are logged and
// skipped; with no match at all the default tier applies.
func (e *Engine) tierForPayload(ctx context.Context, p *SubscriptionPayload) (Tier, string, error) {
	best := e.defaultTier
	bestRef := ""
	found := false
	for _, ref := range p.PriceRefs {
		tier, known, err := e.catalog.TierForPrice(ctx, ref)
		if err != nil {
			return "", "", fmt.Errorf("%w: price %s: %v", ErrUpstreamLookup, ref, err)
		}
		if !known {
			e.log.Warn("price not in plan catalog", F("price_ref", ref))
			continue
		}
		if !found || tier.Rank() > best.Rank() {
			best, bestRef, found = tier, ref, true
		}
	}
	return best, bestRef, nil
}

func (e *Engine) resolveSubscriptionUser(ctx context.Context, p *SubscriptionPayload) (string, error) {
	hint := IdentityHint{
		CustomerID:     p.CustomerID,
		SubscriptionID: p.ProviderID,
	}
	if p.Metadata != nil {
		hint.UserID = p.Metadata["user_id"]
		hint.ExternalID = p.Metadata["external_id"]
		hint.Email = p.Metadata["email"]
	}
	return e.resolver.Resolve(ctx, hint)
}

func mapStatus(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "", "active":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "paused":
		return SubscriptionPaused
	case "past_due", "unpaid":
		return SubscriptionPastDue
	case "canceled":
		return SubscriptionCanceled
	default:
		return SubscriptionIncomplete
	}
}

// buildSubscription folds a payload into a new or existing record.
// Missing period bounds fall back to one month from the event time.
func (e *Engine) buildSubscription(
	existing *Subscription, userID string, p *SubscriptionPayload,
	tier Tier, priceRef string, eventAt, now time.Time,
) *Subscription {
	sub := &Subscription{
		ID:                     e.newID(),
		UserID:                 userID,
		ProviderCustomerID:     p.CustomerID,
		ProviderSubscriptionID: p.ProviderID,
		PlanName:               tier,
		PriceRef:               priceRef,
		Status:                 mapStatus(p.Status),
		PeriodStart:            p.PeriodStart,
		PeriodEnd:              p.PeriodEnd,
		CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		TrialStart:             p.TrialStart,
		TrialEnd:               p.TrialEnd,
		LastEventAt:            eventAt,
		UpdatedAt:              now,
	}
	if existing != nil {
		sub.ID = existing.ID
		if sub.ProviderCustomerID == "" {
			sub.ProviderCustomerID = existing.ProviderCustomerID
		}
	}
	if sub.PeriodStart.IsZero() {
		sub.PeriodStart = eventAt
	}
	if sub.PeriodEnd.IsZero() {
		sub.PeriodEnd = sub.PeriodStart.AddDate(0, 1, 0)
	}
	return sub
}
