package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type gatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	sockets   prometheus.Gauge
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *gatewayMetrics

	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Gateway returns the lazily-initialised metrics registry for the HTTP and
// websocket surfaces.
func Gateway() *gatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arena",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
			sockets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "arena",
				Subsystem: "gateway",
				Name:      "websocket_sessions",
				Help:      "Currently connected websocket sessions.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
			gatewayRegistry.sockets,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a request. status is the HTTP status that was
// written to the client.
func (m *gatewayMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable strings
// such as "rate_limit".
func (m *gatewayMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// SessionOpened and SessionClosed track live websocket sessions.
func (m *gatewayMetrics) SessionOpened() {
	if m != nil {
		m.sockets.Inc()
	}
}

func (m *gatewayMetrics) SessionClosed() {
	if m != nil {
		m.sockets.Dec()
	}
}

// SettlementMetrics captures the health of the settlement pipeline.
type SettlementMetrics struct {
	attempts   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	violations prometheus.Counter
	settled    *prometheus.CounterVec
	paidOut    prometheus.Counter
	fees       prometheus.Counter
	dust       prometheus.Counter
	latency    *prometheus.HistogramVec
	overdue    prometheus.Gauge
	paused     prometheus.Gauge
}

// Settlement returns the singleton metrics registry for the settlement submitter.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "attempts_total",
				Help:      "Settlement submission attempts segmented by strategy.",
			}, []string{"strategy"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "failures_total",
				Help:      "Failed settlement attempts segmented by strategy and reason.",
			}, []string{"strategy", "reason"}),
			violations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "invariant_violations_total",
				Help:      "Payouts rejected by conservation or rounding checks before submission.",
			}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "lobbies_settled_total",
				Help:      "Lobbies finalized segmented by strategy and whether the escrow was already final.",
			}, []string{"strategy", "already_finalized"}),
			paidOut: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "payout_units_total",
				Help:      "Smallest-unit amount committed to players.",
			}),
			fees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "fee_units_total",
				Help:      "Smallest-unit amount committed to the fee recipient.",
			}),
			dust: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "dust_units_total",
				Help:      "Rounding remainder left undistributed across lobbies.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Time from submission to confirmed acknowledgement.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"strategy"}),
			overdue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "overdue_lobbies",
				Help:      "Finalizable lobbies past their finalize deadline.",
			}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "paused",
				Help:      "Whether settlement submissions are paused (1) or active (0).",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.attempts,
			settlementRegistry.failures,
			settlementRegistry.violations,
			settlementRegistry.settled,
			settlementRegistry.paidOut,
			settlementRegistry.fees,
			settlementRegistry.dust,
			settlementRegistry.latency,
			settlementRegistry.overdue,
			settlementRegistry.paused,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) RecordAttempt(strategy string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(labelOr(strategy, "unknown")).Inc()
}

func (m *SettlementMetrics) RecordFailure(strategy, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelOr(strategy, "unknown"), labelOr(reason, "unspecified")).Inc()
}

func (m *SettlementMetrics) RecordInvariantViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

// RecordSettled accounts a finalized lobby and its amounts.
func (m *SettlementMetrics) RecordSettled(strategy string, alreadyFinalized bool, payout, fee, dust uint64, took time.Duration) {
	if m == nil {
		return
	}
	strategy = labelOr(strategy, "unknown")
	m.settled.WithLabelValues(strategy, strconv.FormatBool(alreadyFinalized)).Inc()
	m.paidOut.Add(float64(payout))
	m.fees.Add(float64(fee))
	m.dust.Add(float64(dust))
	if took > 0 {
		m.latency.WithLabelValues(strategy).Observe(took.Seconds())
	}
}

func (m *SettlementMetrics) SetOverdue(n int) {
	if m == nil {
		return
	}
	m.overdue.Set(float64(n))
}

func (m *SettlementMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func labelOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
