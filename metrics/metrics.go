package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemVerifier,
			Name:      "results_total",
			Help:      "Payment verification results by rejection reason (empty reason means valid).",
		},
		[]string{LabelReason},
	)

	verificationCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemVerifier,
			Name:      "cache_hits_total",
			Help:      "Verification results served from cache.",
		},
	)

	payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPayout,
			Name:      "attempts_total",
			Help:      "Escrow payout attempts by outcome.",
		},
		[]string{LabelOutcome},
	)

	pendingPayouts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPayout,
			Name:      "pending",
			Help:      "Won bets whose payout has not completed, as of the last sweep.",
		},
	)

	betTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemBets,
			Name:      "transitions_total",
			Help:      "Bet state transitions.",
		},
		[]string{LabelState},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemLedger,
			Name:      "request_duration_seconds",
			Help:      "Duration of ledger gateway RPC calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{LabelMethod, LabelStatus},
	)
)

func init() {
	Registry.MustRegister(
		verifications,
		verificationCacheHits,
		payouts,
		pendingPayouts,
		betTransitions,
		gatewayDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordVerification counts a verification outcome.
func RecordVerification(reason string) {
	if reason == "" {
		reason = "valid"
	}
	verifications.WithLabelValues(reason).Inc()
}

// RecordVerificationCacheHit counts a cached verification result.
func RecordVerificationCacheHit() {
	verificationCacheHits.Inc()
}

// RecordPayout counts a payout attempt outcome.
func RecordPayout(outcome string) {
	payouts.WithLabelValues(outcome).Inc()
}

// SetPendingPayouts records how many payouts are still owed.
func SetPendingPayouts(n int) {
	pendingPayouts.Set(float64(n))
}

// RecordBetTransition counts a bet entering the given state.
func RecordBetTransition(state string) {
	betTransitions.WithLabelValues(state).Inc()
}

// RecordGatewayCall records the latency of one ledger RPC call.
func RecordGatewayCall(method string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	gatewayDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}
