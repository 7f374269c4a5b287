// Package metrics holds the Prometheus collectors shared by the engine,
// the reconciler and the HTTP surface.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Action log metrics
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_actions_total",
			Help: "Total number of calendar actions applied by kind",
		},
		[]string{"kind", "source"},
	)

	storeEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendar_store_events",
			Help: "Number of events in the event store",
		},
	)

	// Outbound sync metrics
	outboundCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_outbound_calls_total",
			Help: "Total number of outbound provider calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	outboundRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_outbound_retries_total",
			Help: "Total number of outbound provider call retries",
		},
		[]string{"operation"},
	)

	outboundCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_outbound_call_duration_seconds",
			Help:    "Outbound provider call duration including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Inbound sync metrics
	inboundRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_inbound_runs_total",
			Help: "Total number of inbound reconciliation runs by status",
		},
		[]string{"status"},
	)

	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_inbound_events_total",
			Help: "Total number of remote events processed by outcome",
		},
		[]string{"outcome"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_tool_calls_total",
			Help: "Total number of AI tool invocations",
		},
		[]string{"tool", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			actionsTotal,
			storeEvents,
			outboundCallsTotal,
			outboundRetriesTotal,
			outboundCallDuration,
			inboundRunsTotal,
			inboundEventsTotal,
			toolCallsTotal,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAction counts one applied action, undo, redo or revert effect.
func RecordAction(kind, source string) {
	actionsTotal.WithLabelValues(kind, source).Inc()
}

// SetStoreEvents sets the event store size gauge.
func SetStoreEvents(count int) {
	storeEvents.Set(float64(count))
}

// RecordOutboundCall records the final outcome of one outbound provider call.
func RecordOutboundCall(operation, status string, duration time.Duration) {
	outboundCallsTotal.WithLabelValues(operation, status).Inc()
	outboundCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOutboundRetry counts one retry of an outbound provider call.
func RecordOutboundRetry(operation string) {
	outboundRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordInboundRun records one inbound reconciliation run and its per-event outcomes.
func RecordInboundRun(status string, inserted, updated, skipped int) {
	inboundRunsTotal.WithLabelValues(status).Inc()
	inboundEventsTotal.WithLabelValues("inserted").Add(float64(inserted))
	inboundEventsTotal.WithLabelValues("updated").Add(float64(updated))
	inboundEventsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordToolCall counts one AI tool invocation.
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}
