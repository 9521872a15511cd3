package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom prometheus registry for SigmaPilot metrics.
	Registry = prometheus.NewRegistry()

	// ============================================
	// Safety / risk metrics
	// ============================================

	// SafetyBlockTotal tracks every block raised by a named guard
	// (spec.md §7(e)/§9 "safety_block{guard=...}").
	SafetyBlockTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "safety",
			Name:      "block_total",
			Help:      "Total number of risk-governor blocks by guard",
		},
		[]string{"guard"},
	)

	KillSwitchActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sigmapilot",
			Subsystem: "risk",
			Name:      "kill_switch_active",
			Help:      "1 when the kill switch is currently active",
		},
	)

	// ============================================
	// Consensus metrics
	// ============================================

	GateEvaluationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "consensus",
			Name:      "gate_evaluations_total",
			Help:      "Total consensus gate evaluations by asset and decision type",
		},
		[]string{"asset", "decision_type"},
	)

	SignalsEmittedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "consensus",
			Name:      "signals_emitted_total",
			Help:      "Total consensus signals emitted by asset and direction",
		},
		[]string{"asset", "direction"},
	)

	EVNetR = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sigmapilot",
			Subsystem: "consensus",
			Name:      "ev_net_r",
			Help:      "Net expected value in R of the last evaluation per asset",
		},
		[]string{"asset"},
	)

	// ============================================
	// Sage / posterior metrics
	// ============================================

	AlphaPoolSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sigmapilot",
			Subsystem: "sage",
			Name:      "alpha_pool_size",
			Help:      "Current number of active alpha-pool members",
		},
	)

	PosteriorUpdatesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "sage",
			Name:      "posterior_updates_total",
			Help:      "Total NIG posterior updates applied",
		},
		[]string{"address"},
	)

	// ============================================
	// Episode / outcome metrics
	// ============================================

	EpisodesClosedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "episode",
			Name:      "closed_total",
			Help:      "Total closed episodes by closed_reason",
		},
		[]string{"closed_reason"},
	)

	ResultR = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sigmapilot",
			Subsystem: "episode",
			Name:      "result_r",
			Help:      "Distribution of closed-episode R-multiples",
			Buckets:   []float64{-3, -2, -1, -0.5, 0, 0.5, 1, 2, 3, 5},
		},
		[]string{"asset"},
	)

	// ============================================
	// Stream metrics
	// ============================================

	WSSubscriptionSlotsUsed = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sigmapilot",
			Subsystem: "stream",
			Name:      "ws_subscription_slots_used",
			Help:      "Number of venue WS subscription slots currently in use (ceiling 40)",
		},
	)

	FillsNormalizedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "stream",
			Name:      "fills_normalized_total",
			Help:      "Total fills normalized by asset",
		},
		[]string{"asset"},
	)

	// ============================================
	// HTTP / bus metrics
	// ============================================

	HTTPRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sigmapilot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "route", "status"},
	)

	BusPublishTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmapilot",
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Total bus publishes by subject",
		},
		[]string{"subject"},
	)
)

// RecordSafetyBlock increments the named safety-block counter.
func RecordSafetyBlock(guard string) {
	SafetyBlockTotal.WithLabelValues(guard).Inc()
}

// Init registers the standard Go/process collectors alongside the
// application metrics above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
