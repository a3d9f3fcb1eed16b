package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// A nil Config.Metrics is replaced with NoopMetrics by New, so
// implementations never receive calls through a nil receiver.
type Metrics interface {
	// RecordEvent records one processed webhook event.
	// outcome: "processed", "duplicate", "unhandled", "stale" or "failed"
	RecordEvent(eventType, outcome string)

	// RecordEventDuration records how long an event took to reconcile.
	RecordEventDuration(eventType string, duration time.Duration)

	// RecordTierChange records a detected plan transition.
	RecordTierChange(change ChangeType, fromTier, toTier Tier)

	// RecordReplay records one replayed event from the pending backlog.
	// outcome: "processed" or "failed"
	RecordReplay(outcome string)

	// RecordSideEffectError records a failed post-commit side effect.
	// kind: "notification", "token_invalidation" or "directory_update"
	RecordSideEffectError(kind string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(_, _ string)                       {}
func (n *NoopMetrics) RecordEventDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordTierChange(_ ChangeType, _, _ Tier)      {}
func (n *NoopMetrics) RecordReplay(_ string)                         {}
func (n *NoopMetrics) RecordSideEffectError(_ string)                {}
