package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DealMetrics records deal lifecycle outcomes.
type DealMetrics struct {
	opened          prometheus.Counter
	released        prometheus.Counter
	cancelled       prometheus.Counter
	failed          prometheus.Counter
	pollErrors      prometheus.Counter
	releaseFailures prometheus.Counter
}

// GatewayMetricsRegistry records value-network RPC activity.
type GatewayMetricsRegistry struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	dealMetricsOnce sync.Once
	dealRegistry    *DealMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetricsRegistry
)

// Deals returns the lazily-initialised deal lifecycle metrics registry.
func Deals() *DealMetrics {
	dealMetricsOnce.Do(func() {
		dealRegistry = &DealMetrics{
			opened: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "deals",
				Name:      "opened_total",
				Help:      "Total deals opened.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "deals",
				Name:      "released_total",
				Help:      "Total deals released to the receiver.",
			}),
			cancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "deals",
				Name:      "cancelled_total",
				Help:      "Total deals cancelled before release.",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "deals",
				Name:      "failed_total",
				Help:      "Total deals that entered the failed state.",
			}),
			pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "deals",
				Name:      "poll_errors_total",
				Help:      "Balance polls that errored and were treated as zero.",
			}),
			releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "deals",
				Name:      "release_failures_total",
				Help:      "Release attempts that failed and left the deal retryable.",
			}),
		}
		prometheus.MustRegister(
			dealRegistry.opened,
			dealRegistry.released,
			dealRegistry.cancelled,
			dealRegistry.failed,
			dealRegistry.pollErrors,
			dealRegistry.releaseFailures,
		)
	})
	return dealRegistry
}

func (m *DealMetrics) Opened() {
	if m != nil {
		m.opened.Inc()
	}
}

func (m *DealMetrics) Released() {
	if m != nil {
		m.released.Inc()
	}
}

func (m *DealMetrics) Cancelled() {
	if m != nil {
		m.cancelled.Inc()
	}
}

func (m *DealMetrics) Failed() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *DealMetrics) PollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

func (m *DealMetrics) ReleaseFailure() {
	if m != nil {
		m.releaseFailures.Inc()
	}
}

// GatewayMetrics returns the lazily-initialised gateway RPC metrics
// registry.
func GatewayMetrics() *GatewayMetricsRegistry {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetricsRegistry{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "middleman",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total value-network RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "middleman",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for value-network RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency)
	})
	return gatewayRegistry
}

// Observe records the outcome and duration of one gateway RPC call.
func (m *GatewayMetricsRegistry) Observe(method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}
