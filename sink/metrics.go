package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chengwei-dev/r-enhanced-viewer/metric"
)

// Metrics holds Prometheus metrics for the dispatcher.
type Metrics struct {
	publishedTotal      prometheus.Counter
	deliveredTotal      *prometheus.CounterVec
	droppedTotal        prometheus.Counter
	deliveryErrorsTotal *prometheus.CounterVec
	queueDepth          prometheus.GaugeFunc
}

// newMetrics creates and registers dispatcher metrics.
func newMetrics(registry *metric.Registry, depthFn func() int) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		publishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sink",
			Name:      "snapshots_published_total",
			Help:      "Snapshots accepted for delivery",
		}),

		deliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sink",
			Name:      "snapshots_delivered_total",
			Help:      "Snapshots delivered, by sink",
		}, []string{"sink"}),

		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sink",
			Name:      "snapshots_dropped_total",
			Help:      "Snapshots dropped from the full queue",
		}),

		deliveryErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sink",
			Name:      "delivery_errors_total",
			Help:      "Failed deliveries, by sink",
		}, []string{"sink"}),

		queueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sink",
			Name:      "queue_depth",
			Help:      "Snapshots currently queued for delivery",
		}, func() float64 {
			return float64(depthFn())
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.publishedTotal,
		metrics.deliveredTotal,
		metrics.droppedTotal,
		metrics.deliveryErrorsTotal,
		metrics.queueDepth,
	)

	return metrics
}
