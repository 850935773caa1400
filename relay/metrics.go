package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chengwei-dev/r-enhanced-viewer/metric"
)

// Metrics holds Prometheus metrics for the relay server.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	reviewBodyBytes    prometheus.Histogram
	reviewRows         prometheus.Histogram
	reviewParseSeconds prometheus.Histogram
}

// newMetrics creates and registers relay metrics.
func newMetrics(registry *metric.Registry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Total HTTP requests by endpoint, method and status",
		}, []string{"endpoint", "method", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by endpoint",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		reviewBodyBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "review_body_bytes",
			Help:      "Size of accepted push payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		reviewRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "review_rows",
			Help:      "Row count of accepted push payloads",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),

		reviewParseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "review_parse_seconds",
			Help:      "Time spent normalizing push payloads",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.requestsTotal,
		metrics.requestDuration,
		metrics.reviewBodyBytes,
		metrics.reviewRows,
		metrics.reviewParseSeconds,
	)

	return metrics
}
