// Package metrics holds the daemon's Prometheus instrumentation. One
// Metrics value is created per process and shared by every component that
// records something.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the daemon records.
type Metrics struct {
	// Decisions counts verdicts by status (allow/ask/block) and source
	// (template, override, token, limit, chaos, input_filter, overload,
	// default).
	Decisions *prometheus.CounterVec

	// DecideDuration observes end-to-end decision latency in seconds,
	// including any chaos delay.
	DecideDuration prometheus.Histogram

	// PendingAsks tracks consent tickets waiting for a human verdict.
	PendingAsks prometheus.Gauge

	// Subscribers tracks live WebSocket subscriptions.
	Subscribers prometheus.Gauge

	// WebhookDeliveries counts webhook posts by result (ok, failed,
	// dropped).
	WebhookDeliveries *prometheus.CounterVec

	// ChaosInjections counts synthetic blocks injected by the chaos stage.
	ChaosInjections prometheus.Counter
}

// New registers all instruments against reg. Tests pass a fresh
// prometheus.NewRegistry() so parallel packages never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentleash",
			Name:      "decisions_total",
			Help:      "Decisions returned, by status and source.",
		}, []string{"status", "source"}),
		DecideDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentleash",
			Name:      "decide_duration_seconds",
			Help:      "End-to-end decision latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PendingAsks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentleash",
			Name:      "pending_asks",
			Help:      "Consent tickets currently awaiting a verdict.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentleash",
			Name:      "ws_subscribers",
			Help:      "Live WebSocket subscriptions.",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentleash",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts, by final result.",
		}, []string{"result"}),
		ChaosInjections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentleash",
			Name:      "chaos_injections_total",
			Help:      "Synthetic blocks injected by the chaos stage.",
		}),
	}
}
