// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	operationsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "operations",
			Name:      "submitted_total",
			Help:      "Total operations submitted to the relay.",
		},
		[]string{"outcome"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "settlements",
			Name:      "completed_total",
			Help:      "Total settlement records reaching a terminal state.",
		},
		[]string{"status"},
	)

	settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "payment_engine",
			Subsystem: "settlements",
			Name:      "confirmation_seconds",
			Help:      "Time from relay submission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
	)

	payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "payouts",
			Name:      "requests_total",
			Help:      "Total payout requests by outcome.",
		},
		[]string{"outcome"},
	)

	spendRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "session_keys",
			Name:      "spend_recorded_total",
			Help:      "Total units metered against session keys.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	Registry.MustRegister(
		operationsSubmitted,
		settlements,
		settlementDuration,
		payouts,
		spendRecorded,
		httpRequests,
	)
}

// OperationSubmitted records a relay submission outcome ("accepted",
// "rejected", "error").
func OperationSubmitted(outcome string) {
	operationsSubmitted.WithLabelValues(outcome).Inc()
}

// SettlementCompleted records a terminal transition and its latency.
func SettlementCompleted(status string, submittedAt time.Time) {
	settlements.WithLabelValues(status).Inc()
	settlementDuration.Observe(time.Since(submittedAt).Seconds())
}

// PayoutRequested records a payout outcome ("submitted", "duplicate",
// "proof_error", "error").
func PayoutRequested(outcome string) {
	payouts.WithLabelValues(outcome).Inc()
}

// SpendRecorded adds metered units.
func SpendRecorded(amount int64) {
	spendRecorded.Add(float64(amount))
}

// HTTPRequest records one handled request.
func HTTPRequest(method, path string, status int) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
