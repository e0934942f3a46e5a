// Package metrics exposes Prometheus instrumentation for the server. All
// collectors live on a private registry so tests can build isolated
// instances without collector name collisions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. It satisfies the dispatcher's
// Observer interface, so every tool call is counted and timed.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls   *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec
}

// New builds the collector set and registers the standard Go and process
// collectors alongside it.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthive",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and outcome kind.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agenthive",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"tool"}),
	}

	m.registry.MustRegister(
		m.toolCalls,
		m.toolLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveToolCall records one dispatched tool call.
func (m *Metrics) ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// TrackQueueDepth samples the write queue backlog on scrape.
func (m *Metrics) TrackQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agenthive",
		Name:      "write_queue_depth",
		Help:      "Pending operations in the write queue.",
	}, func() float64 { return float64(depth()) }))
}

// TrackSubscribers samples connected WebSocket clients on scrape.
func (m *Metrics) TrackSubscribers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agenthive",
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients.",
	}, func() float64 { return float64(count()) }))
}

// TrackRAGCycleAge samples the seconds since the last completed index
// cycle. Reports zero until the first cycle finishes.
func (m *Metrics) TrackRAGCycleAge(lastCycle func() time.Time) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agenthive",
		Name:      "rag_cycle_age_seconds",
		Help:      "Seconds since the last completed RAG index cycle.",
	}, func() float64 {
		last := lastCycle()
		if last.IsZero() {
			return 0
		}
		return time.Since(last).Seconds()
	}))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
