package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chengwei-dev/r-enhanced-viewer/metric"
)

// Metrics holds Prometheus metrics for the session registry.
type Metrics struct {
	attached           prometheus.GaugeFunc
	registrationsTotal prometheus.Counter
	heartbeatsTotal    prometheus.Counter
}

// newMetrics creates and registers session metrics. The attached gauge
// is computed at scrape time from the liveness predicate, matching the
// derived nature of the attachment state.
func newMetrics(registry *metric.Registry, attachedFn func() bool) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		attached: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "attached",
			Help:      "Whether an R peer is currently attached (1) or not (0)",
		}, func() float64 {
			if attachedFn() {
				return 1
			}
			return 0
		}),

		registrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "registrations_total",
			Help:      "Total registration calls received",
		}),

		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Total successful heartbeat calls",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.attached,
		metrics.registrationsTotal,
		metrics.heartbeatsTotal,
	)

	return metrics
}
