package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type escrowMetrics struct {
	orders *prometheus.CounterVec
	swept  prometheus.Histogram
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cylo",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cylo",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cylo",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records the outcome of one RPC request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// EscrowMetrics returns the registry tracking order lifecycle transitions.
func EscrowMetrics() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cylo",
				Subsystem: "escrow",
				Name:      "orders_total",
				Help:      "Count of order lifecycle transitions segmented by transition kind.",
			}, []string{"transition"}),
			swept: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "cylo",
				Subsystem: "escrow",
				Name:      "sweep_refunds",
				Help:      "Distribution of refund counts per expiry sweep invocation.",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			}),
		}
		prometheus.MustRegister(escrowRegistry.orders, escrowRegistry.swept)
	})
	return escrowRegistry
}

// RecordTransition increments the lifecycle counter. Transitions should be
// stable strings such as "created", "confirmed" or "refunded".
func (m *escrowMetrics) RecordTransition(transition string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(transition))
	if normalized == "" {
		normalized = "unknown"
	}
	m.orders.WithLabelValues(normalized).Inc()
}

// RecordSweep records how many orders one sweep invocation refunded.
func (m *escrowMetrics) RecordSweep(refunded uint32) {
	if m == nil {
		return
	}
	m.swept.Observe(float64(refunded))
}
