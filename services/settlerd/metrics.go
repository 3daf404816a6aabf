package settlerd

import "stakearena/observability"

// Metrics exposes Prometheus collectors for settlerd instrumentation.
type Metrics = observability.SettlementMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Settlement() }
