// Package metrics exposes Prometheus instruments for the execution engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every instrument the engine updates.
type Metrics struct {
	// Outcomes counts terminal outcomes per action and kind.
	Outcomes *prometheus.CounterVec

	// DispatchDuration measures handler latency.
	DispatchDuration *prometheus.HistogramVec

	// GuardViolations counts blocking guard hits by layer.
	GuardViolations *prometheus.CounterVec

	// BreakerState is 0 closed, 1 half-open, 2 open, per action.
	BreakerState *prometheus.GaugeVec

	// PendingChallenges is the number of live confirmation challenges.
	PendingChallenges prometheus.Gauge

	// KillSwitchState is 0 running, 1 paused, 2 killed.
	KillSwitchState prometheus.Gauge

	// AuditBuffered is the number of audit entries awaiting a durable write.
	AuditBuffered prometheus.Gauge
}

// New registers the instruments with reg. A nil reg gets a private
// registry, so callers that do not export metrics need no special casing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "actiongate_outcomes_total",
			Help: "Terminal outcomes of submitted actions.",
		}, []string{"action", "kind"}),

		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "actiongate_dispatch_duration_seconds",
			Help:    "Handler dispatch latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action", "status"}),

		GuardViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "actiongate_guard_violations_total",
			Help: "Blocking resource guard violations by layer.",
		}, []string{"layer"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actiongate_breaker_state",
			Help: "Handler circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"action"}),

		PendingChallenges: f.NewGauge(prometheus.GaugeOpts{
			Name: "actiongate_pending_challenges",
			Help: "Confirmation challenges awaiting a response.",
		}),

		KillSwitchState: f.NewGauge(prometheus.GaugeOpts{
			Name: "actiongate_killswitch_state",
			Help: "Execution gate state (0=running, 1=paused, 2=killed).",
		}),

		AuditBuffered: f.NewGauge(prometheus.GaugeOpts{
			Name: "actiongate_audit_buffered_entries",
			Help: "Audit entries buffered after a failed durable write.",
		}),
	}
}
