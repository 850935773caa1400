package wspanel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chengwei-dev/r-enhanced-viewer/metric"
)

// Metrics holds Prometheus metrics for the panel sink.
type Metrics struct {
	clientsConnected    prometheus.GaugeFunc
	connectionsTotal    prometheus.Counter
	disconnectionsTotal *prometheus.CounterVec
	broadcastsTotal     prometheus.Counter
	framesDroppedTotal  prometheus.Counter
	errorsTotal         *prometheus.CounterVec
}

// newMetrics creates and registers panel sink metrics.
func newMetrics(registry *metric.Registry, clientCount func() int) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		clientsConnected: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "wspanel",
			Name:      "clients_connected",
			Help:      "Panel clients currently connected",
		}, func() float64 {
			return float64(clientCount())
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "wspanel",
			Name:      "client_connections_total",
			Help:      "Panel connections accepted, including disconnected",
		}),

		disconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "wspanel",
			Name:      "client_disconnections_total",
			Help:      "Panel disconnections, by reason",
		}, []string{"reason"}),

		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "wspanel",
			Name:      "broadcasts_total",
			Help:      "Snapshots broadcast to the panel",
		}),

		framesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "wspanel",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped on full client queues",
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "wspanel",
			Name:      "errors_total",
			Help:      "Panel sink errors, by type",
		}, []string{"error_type"}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.clientsConnected,
		metrics.connectionsTotal,
		metrics.disconnectionsTotal,
		metrics.broadcastsTotal,
		metrics.framesDroppedTotal,
		metrics.errorsTotal,
	)

	return metrics
}
