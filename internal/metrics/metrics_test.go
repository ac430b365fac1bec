package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered flattens a registry into "name{label=value,...}" -> value.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Claimed(3)
	m.Outcome("applied")
	m.Outcome("applied")
	m.RateLimited("default")
	m.Budget("clamped")
	m.ObserveApply("success", 20*time.Millisecond)
	m.Reclaimed("terminal")
	m.InFlight(2)
	m.InFlight(-1)
	m.QueueDepth(map[string]int{"pending": 4, "claimed": 1})
	m.Alert("critical")

	got := gathered(t, reg)
	assert.Equal(t, 3.0, got["spendgate_claims_total"])
	assert.Equal(t, 2.0, got["spendgate_dispatch_outcomes_total{outcome=applied}"])
	assert.Equal(t, 1.0, got["spendgate_rate_limit_denied_total{credential=default}"])
	assert.Equal(t, 1.0, got["spendgate_budget_actions_total{action=clamped}"])
	assert.Equal(t, 1.0, got["spendgate_apply_duration_seconds{result=success}"])
	assert.Equal(t, 1.0, got["spendgate_leases_reclaimed_total{result=terminal}"])
	assert.Equal(t, 1.0, got["spendgate_dispatch_in_flight"])
	assert.Equal(t, 4.0, got["spendgate_change_requests{status=pending}"])
	assert.Equal(t, 1.0, got["spendgate_alerts_total{severity=critical}"])

	m.QueueDepth(map[string]int{"applied": 2})
	got = gathered(t, reg)
	_, stale := got["spendgate_change_requests{status=pending}"]
	assert.False(t, stale)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Claimed(1)
	m.Outcome("applied")
	m.QueueDepth(map[string]int{"pending": 1})
	m.Alert("warning")
}
