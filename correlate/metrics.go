package correlate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chengwei-dev/r-enhanced-viewer/metric"
)

// Metrics holds Prometheus metrics for the correlator.
type Metrics struct {
	issuedTotal          *prometheus.CounterVec
	outcomesTotal        *prometheus.CounterVec
	gateRejectsTotal     prometheus.Counter
	unknownResolvesTotal prometheus.Counter
	pendingRequests      prometheus.GaugeFunc
}

// newMetrics creates and registers correlator metrics. The pending
// gauge is computed at scrape time from the live pending count.
func newMetrics(registry *metric.Registry, pendingFn func() int) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		issuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correlator",
			Name:      "requests_issued_total",
			Help:      "Total pull requests issued, by kind",
		}, []string{"kind"}),

		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correlator",
			Name:      "request_outcomes_total",
			Help:      "Terminal outcomes of issued requests",
		}, []string{"outcome"}),

		gateRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correlator",
			Name:      "gate_rejects_total",
			Help:      "Requests refused because no peer was attached",
		}),

		unknownResolvesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correlator",
			Name:      "unknown_resolves_total",
			Help:      "Respond calls for ids that were not pending",
		}),

		pendingRequests: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "correlator",
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a peer response",
		}, func() float64 {
			return float64(pendingFn())
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.issuedTotal,
		metrics.outcomesTotal,
		metrics.gateRejectsTotal,
		metrics.unknownResolvesTotal,
		metrics.pendingRequests,
	)

	return metrics
}
