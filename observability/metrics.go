package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	cloneMetricsOnce sync.Once
	cloneRegistry    *CloneMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// CloneMetrics captures engine level activity: operation outcomes keyed by
// error kind, liquidations by path and oracle freshness.
type CloneMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
	oracleSlot   *prometheus.GaugeVec
}

// Clone returns the singleton metrics registry for engine operations.
func Clone() *CloneMetrics {
	cloneMetricsOnce.Do(func() {
		cloneRegistry = &CloneMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome kind.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "clone",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of successful liquidations segmented by path.",
			}, []string{"path"}),
			oracleSlot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "engine",
				Name:      "oracle_last_update_slot",
				Help:      "Slot of the most recent accepted price per oracle index.",
			}, []string{"oracle"}),
		}
		prometheus.MustRegister(
			cloneRegistry.operations,
			cloneRegistry.latency,
			cloneRegistry.liquidations,
			cloneRegistry.oracleSlot,
		)
	})
	return cloneRegistry
}

// Observe records one engine operation. kind is the error taxonomy name, or
// empty for success.
func (m *CloneMetrics) Observe(operation string, duration time.Duration, kind string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := strings.TrimSpace(kind)
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLiquidation counts a liquidation that committed.
func (m *CloneMetrics) RecordLiquidation(path string) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.liquidations.WithLabelValues(path).Inc()
}

// RecordOracleSlot tracks the last accepted update slot for an oracle.
func (m *CloneMetrics) RecordOracleSlot(index uint16, slot uint64) {
	if m == nil {
		return
	}
	m.oracleSlot.WithLabelValues(fmt.Sprintf("%d", index)).Set(float64(slot))
}
