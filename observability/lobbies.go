package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stakearena/core/events"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Lobbies returns the metrics registry counting lobby events and transitions.
func Lobbies() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Lobby events segmented by type.",
			}, []string{"type"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "events",
				Name:      "lobby_transitions_total",
				Help:      "Lobby state transitions segmented by target state.",
			}, []string{"to"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transitions)
	})
	return eventRegistry
}

// Emit implements events.Emitter so the registry can sit in an emitter fanout.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(labelOr(evt.EventType(), "unknown")).Inc()
	if state, ok := evt.(events.LobbyState); ok {
		m.transitions.WithLabelValues(labelOr(state.To, "unknown")).Inc()
	}
}
