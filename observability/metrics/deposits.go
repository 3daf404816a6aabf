package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DepositMetrics tracks the deposit verifier and watcher.
type DepositMetrics struct {
	verifications *prometheus.CounterVec
	observed      prometheus.Counter
	cacheSize     prometheus.Gauge
}

var (
	depositsOnce     sync.Once
	depositsRegistry *DepositMetrics
)

// Deposits returns the process-wide deposit metrics.
func Deposits() *DepositMetrics {
	depositsOnce.Do(func() {
		depositsRegistry = &DepositMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "arena_deposit_verifications_total",
				Help: "Deposit verification lookups by result.",
			}, []string{"result"}),
			observed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "arena_deposit_receipts_observed_total",
				Help: "Deposit receipts added to the verifier cache.",
			}),
			cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "arena_deposit_cache_entries",
				Help: "Cached (lobby, address) deposit entries.",
			}),
		}
		prometheus.MustRegister(
			depositsRegistry.verifications,
			depositsRegistry.observed,
			depositsRegistry.cacheSize,
		)
	})
	return depositsRegistry
}

func (m *DepositMetrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	result = strings.TrimSpace(result)
	if result == "" {
		result = "unknown"
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *DepositMetrics) RecordObserved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.observed.Add(float64(n))
}

func (m *DepositMetrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}
