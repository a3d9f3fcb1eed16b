// Package prommetrics provides a Prometheus implementation of the
// reconcile.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	eventDuration      *prometheus.HistogramVec
	tierChangesTotal   *prometheus.CounterVec
	replaysTotal       *prometheus.CounterVec
	sideEffectErrTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the reconciliation metric set.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Total number of webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "event_duration_seconds",
			Help:      "Duration of event reconciliation in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "tier_changes_total",
			Help:      "Total number of plan transitions by change type.",
		}, []string{"change", "from_tier", "to_tier"}),

		replaysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "replays_total",
			Help:      "Total number of replayed pending events by outcome.",
		}, []string{"outcome"}),

		sideEffectErrTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "side_effect_errors_total",
			Help:      "Total number of failed post-commit side effects.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordEventDuration(eventType string, duration time.Duration) {
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordTierChange(change reconcile.ChangeType, fromTier, toTier reconcile.Tier) {
	m.tierChangesTotal.WithLabelValues(string(change), string(fromTier), string(toTier)).Inc()
}

func (m *Metrics) RecordReplay(outcome string) {
	m.replaysTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSideEffectError(kind string) {
	m.sideEffectErrTotal.WithLabelValues(kind).Inc()
}
