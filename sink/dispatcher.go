package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chengwei-dev/r-enhanced-viewer/component"
	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/metric"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// Ensure Dispatcher implements the component lifecycle
var _ component.Component = (*Dispatcher)(nil)

// ConstructorConfig holds all configuration needed to construct a Dispatcher.
type ConstructorConfig struct {
	QueueCapacity   int              // Bounded queue size; oldest dropped on overflow
	Sinks           []Sink           // Initial sinks; more can be added before Start
	Logger          *slog.Logger     // Optional structured logger
	MetricsRegistry *metric.Registry // Optional Prometheus metrics registry
}

// DefaultConstructorConfig returns sensible defaults for Dispatcher construction.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		QueueCapacity: 64,
	}
}

// Dispatcher decouples the relay's handlers from snapshot consumers.
// Publish never blocks; a single drain goroutine delivers queued
// snapshots to every registered sink in order.
type Dispatcher struct {
	queue  *snapshotQueue
	notify chan struct{}

	sinksMu sync.RWMutex
	sinks   []Sink

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	done        chan struct{}

	logger  *slog.Logger
	metrics *Metrics
}

// NewDispatcher creates a Dispatcher from the given configuration.
func NewDispatcher(cfg ConstructorConfig) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		queue:  newSnapshotQueue(cfg.QueueCapacity),
		notify: make(chan struct{}, 1),
		sinks:  append([]Sink(nil), cfg.Sinks...),
		logger: cfg.Logger.With("component", "dispatcher"),
	}
	d.metrics = newMetrics(cfg.MetricsRegistry, d.queue.Len)
	return d
}

// Name returns the component name.
func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// AddSink registers an additional sink. Safe to call at any time;
// snapshots delivered after registration reach the new sink.
func (d *Dispatcher) AddSink(s Sink) {
	if s == nil {
		return
	}
	d.sinksMu.Lock()
	d.sinks = append(d.sinks, s)
	d.sinksMu.Unlock()
}

// Publish enqueues a snapshot for delivery and returns immediately.
// When the queue is full the oldest queued snapshot is dropped to admit
// the newest.
func (d *Dispatcher) Publish(snapshot *table.Snapshot) {
	if snapshot == nil {
		return
	}

	if dropped := d.queue.Push(snapshot); dropped != nil {
		if d.metrics != nil {
			d.metrics.droppedTotal.Inc()
		}
		d.logger.Warn("snapshot dropped from full queue", "name", dropped.Name)
	}
	if d.metrics != nil {
		d.metrics.publishedTotal.Inc()
	}

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Initialize prepares the dispatcher. No resources are acquired before
// Start, so this only reports readiness.
func (d *Dispatcher) Initialize() error {
	return nil
}

// Start launches the drain goroutine. Snapshots published before Start
// are delivered once it runs.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running {
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Dispatcher", "Start", "already running")
	}

	d.shutdown = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true
	d.startTime = time.Now()

	go d.drain(ctx, d.shutdown, d.done)

	d.sinksMu.RLock()
	count := len(d.sinks)
	d.sinksMu.RUnlock()
	d.logger.Info("dispatcher started", "sinks", count, "queue_capacity", d.queue.capacity)
	return nil
}

// Stop halts the drain goroutine. Queued snapshots that were not yet
// delivered are discarded; a preview that never rendered is not worth
// delaying shutdown for.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running {
		return errors.WrapInvalid(errors.ErrNotStarted, "Dispatcher", "Stop", "not running")
	}

	close(d.shutdown)
	select {
	case <-d.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Stop",
			fmt.Sprintf("drain did not exit within %s", timeout))
	}

	d.running = false
	d.logger.Info("dispatcher stopped")
	return nil
}

// Health reports the dispatcher's health.
func (d *Dispatcher) Health() component.HealthStatus {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:   d.running,
		LastCheck: time.Now(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// drain delivers queued snapshots until shutdown or context cancellation.
func (d *Dispatcher) drain(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-d.notify:
			for {
				snapshot, ok := d.queue.Pop()
				if !ok {
					break
				}
				d.deliver(snapshot)
			}
		}
	}
}

// deliver fans one snapshot out to every registered sink. A panicking
// sink is isolated so it cannot take down the drain goroutine.
func (d *Dispatcher) deliver(snapshot *table.Snapshot) {
	d.sinksMu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.sinksMu.RUnlock()

	for _, s := range sinks {
		d.deliverOne(s, snapshot)
	}
}

func (d *Dispatcher) deliverOne(s Sink, snapshot *table.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			if d.metrics != nil {
				d.metrics.deliveryErrorsTotal.WithLabelValues(s.Name()).Inc()
			}
			d.logger.Error("sink panicked", "sink", s.Name(), "panic", r)
		}
	}()

	s.OnSnapshot(snapshot)
	if d.metrics != nil {
		d.metrics.deliveredTotal.WithLabelValues(s.Name()).Inc()
	}
}
