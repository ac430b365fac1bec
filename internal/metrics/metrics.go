// Package metrics exposes Prometheus collectors for the mutation engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	claims          prometheus.Counter
	outcomes        *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
	budgetActions   *prometheus.CounterVec
	applyDuration   *prometheus.HistogramVec
	reclaimed       *prometheus.CounterVec
	inFlight        prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	alerts          *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		claims: f.NewCounter(prometheus.CounterOpts{
			Name: "spendgate_claims_total",
			Help: "Change requests claimed by dispatch workers",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendgate_dispatch_outcomes_total",
			Help: "Dispatch attempt outcomes",
		}, []string{"outcome"}),
		rateLimitDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendgate_rate_limit_denied_total",
			Help: "Dispatches deferred because the credential quota was spent",
		}, []string{"credential"}),
		budgetActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendgate_budget_actions_total",
			Help: "Budget guard interventions",
		}, []string{"action"}),
		applyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendgate_apply_duration_seconds",
			Help:    "Latency of external apply calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendgate_leases_reclaimed_total",
			Help: "Expired leases recovered by the reclaimer",
		}, []string{"result"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "spendgate_dispatch_in_flight",
			Help: "Claimed change requests currently held by this process",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spendgate_change_requests",
			Help: "Change requests by status",
		}, []string{"status"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendgate_alerts_total",
			Help: "Alerts raised",
		}, []string{"severity"}),
	}
}

func (m *Metrics) Claimed(n int) {
	if m == nil {
		return
	}
	m.claims.Add(float64(n))
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited(credential string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(credential).Inc()
}

// Budget records a guard action: "clamped" or "fuzzed".
func (m *Metrics) Budget(action string) {
	if m == nil {
		return
	}
	m.budgetActions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveApply(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Reclaimed records a reclaimed lease: "requeued" or "terminal".
func (m *Metrics) Reclaimed(result string) {
	if m == nil {
		return
	}
	m.reclaimed.WithLabelValues(result).Inc()
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

// QueueDepth replaces the per-status gauges.
func (m *Metrics) QueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for status, n := range counts {
		m.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) Alert(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity).Inc()
}
