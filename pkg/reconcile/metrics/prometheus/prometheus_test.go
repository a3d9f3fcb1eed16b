package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestMetricsRecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "billingsync")

	m.RecordEvent("customer.subscription.created", "processed")
	m.RecordEvent("customer.subscription.created", "processed")
	m.RecordEvent("invoice.payment_failed", "failed")
	m.RecordEventDuration("customer.subscription.created", 25*time.Millisecond)

	families := gather(t, reg)

	counters := families["billingsync_reconcile_events_total"]
	require.NotNil(t, counters)
	require.Len(t, counters.Metric, 2)

	histogram := families["billingsync_reconcile_event_duration_seconds"]
	require.NotNil(t, histogram)
	assert.Equal(t, uint64(1), histogram.Metric[0].Histogram.GetSampleCount())
}

func TestMetricsRecordTierChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "billingsync")

	m.RecordTierChange(reconcile.ChangeUpgrade, reconcile.TierFree, reconcile.TierBasic)
	m.RecordTierChange(reconcile.ChangeUpgrade, reconcile.TierFree, reconcile.TierBasic)
	m.RecordTierChange(reconcile.ChangeDowngrade, reconcile.TierPremium, reconcile.TierBasic)

	families := gather(t, reg)
	changes := families["billingsync_reconcile_tier_changes_total"]
	require.NotNil(t, changes)
	require.Len(t, changes.Metric, 2)

	for _, metric := range changes.Metric {
		labels := make(map[string]string)
		for _, l := range metric.Label {
			labels[l.GetName()] = l.GetValue()
		}
		switch labels["change"] {
		case "upgrade":
			assert.Equal(t, float64(2), metric.Counter.GetValue())
			assert.Equal(t, "free", labels["from_tier"])
			assert.Equal(t, "basic", labels["to_tier"])
		case "downgrade":
			assert.Equal(t, float64(1), metric.Counter.GetValue())
		default:
			t.Fatalf("unexpected change label %q", labels["change"])
		}
	}
}

func TestMetricsRecordReplayAndSideEffects(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "billingsync")

	m.RecordReplay("processed")
	m.RecordReplay("failed")
	m.RecordSideEffectError("notification")

	families := gather(t, reg)
	assert.NotNil(t, families["billingsync_reconcile_replays_total"])
	assert.NotNil(t, families["billingsync_reconcile_side_effect_errors_total"])
}

func TestMetricsSatisfiesInterface(t *testing.T) {
	var _ reconcile.Metrics = NewMetrics(prometheus.NewRegistry(), "billingsync")
}
