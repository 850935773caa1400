// Package main implements the entry point for rviewd, the local relay
// daemon that bridges an R session and the enhanced table viewer. It
// owns the loopback protocol listener, the panel websocket broadcast,
// and the operational metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chengwei-dev/r-enhanced-viewer/component"
	"github.com/chengwei-dev/r-enhanced-viewer/config"
	"github.com/chengwei-dev/r-enhanced-viewer/correlate"
	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/health"
	"github.com/chengwei-dev/r-enhanced-viewer/metric"
	"github.com/chengwei-dev/r-enhanced-viewer/relay"
	"github.com/chengwei-dev/r-enhanced-viewer/session"
	"github.com/chengwei-dev/r-enhanced-viewer/sink"
	"github.com/chengwei-dev/r-enhanced-viewer/sink/wspanel"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rviewd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// application bundles the composed daemon. components holds the
// lifecycle components in start order; Stop runs them in reverse.
type application struct {
	components []component.Component
	relay      *relay.Server
	panel      *wspanel.Sink  // nil when the websocket sink is disabled
	metrics    *metric.Server // nil when the metrics endpoint is disabled
	monitor    *health.Monitor
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, cliCfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting rviewd (R table viewer relay)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(cfg, logger)
	if err != nil {
		return err
	}

	if err := startComponents(ctx, app.components); err != nil {
		stopComponents(app.components, cfg.Server.ShutdownTimeout)
		return err
	}

	startedArgs := []any{"relay_port", app.relay.Port()}
	if app.panel != nil {
		startedArgs = append(startedArgs, "ws_port", app.panel.Port())
	}
	if app.metrics != nil {
		startedArgs = append(startedArgs, "metrics_port", app.metrics.Port())
	}
	slog.Info("rviewd started", startedArgs...)

	// The metrics server blocks in Start, so it runs aside the signal
	// wait rather than inside the startup group.
	serveErr := make(chan error, 1)
	if app.metrics != nil {
		go func() { serveErr <- app.metrics.Start() }()
	}

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-serveErr:
		stopComponents(app.components, cfg.Server.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return fmt.Errorf("metrics server exited unexpectedly")
	}

	stopComponents(app.components, cfg.Server.ShutdownTimeout)
	if app.metrics != nil {
		if err := app.metrics.Stop(cfg.Server.ShutdownTimeout); err != nil {
			slog.Warn("metrics server stop failed", "error", err)
		}
	}

	slog.Info("rviewd shutdown complete")
	return nil
}

// buildApplication wires every component from configuration. Nothing
// here is ambient: dependencies flow through constructors only.
func buildApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	monitor := health.NewMonitor()

	// A disabled metrics endpoint means no registry at all; components
	// treat a nil registry as "no metrics".
	var registry *metric.Registry
	if cfg.Metrics.Enabled {
		registry = metric.NewRegistry()
	}

	sessions := session.NewRegistry(session.ConstructorConfig{
		LivenessTimeout: cfg.Session.LivenessTimeout,
		OnAttach: func(info session.Info) {
			slog.Info("r session attached", "r_version", info.RVersion, "session_pid", info.PID)
		},
		Logger:          logger,
		MetricsRegistry: registry,
	})

	correlator := correlate.NewCorrelator(correlate.ConstructorConfig{
		Attached:        sessions.IsAttached,
		RequestTimeout:  cfg.Correlator.RequestTimeout,
		Logger:          logger,
		MetricsRegistry: registry,
	})

	dispatcher := sink.NewDispatcher(sink.ConstructorConfig{
		QueueCapacity:   cfg.Sink.QueueCapacity,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if cfg.Sink.Log.Enabled {
		dispatcher.AddSink(sink.NewLogSink(logger))
	}

	var panel *wspanel.Sink
	if cfg.Sink.Websocket.Enabled {
		panel = wspanel.NewSink(wspanel.ConstructorConfig{
			Host:            cfg.Server.Host,
			Port:            cfg.Sink.Websocket.Port,
			PingInterval:    cfg.Sink.Websocket.PingInterval,
			WriteTimeout:    cfg.Sink.Websocket.WriteTimeout,
			SendBuffer:      cfg.Sink.Websocket.SendBuffer,
			Logger:          logger,
			MetricsRegistry: registry,
		})
		dispatcher.AddSink(panel)
	}

	relayServer, err := relay.NewServer(relay.ConstructorConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxReviewBytes:  cfg.Review.MaxBodyBytes,
		Sessions:        sessions,
		Correlator:      correlator,
		Publisher:       dispatcher,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create relay server: %w", err)
	}

	components := []component.Component{dispatcher}
	if panel != nil {
		components = append(components, panel)
	}
	components = append(components, relayServer)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Server.Host, cfg.Metrics.Port, cfg.Metrics.Path, registry)
		metricsServer.Handle("/healthz", healthzHandler(monitor, components))
		metricsServer.Handle("/readyz", readyzHandler(monitor, components))
	}

	return &application{
		components: components,
		relay:      relayServer,
		panel:      panel,
		metrics:    metricsServer,
		monitor:    monitor,
	}, nil
}

// startComponents initializes and starts every component concurrently.
// Start order between components does not matter: the dispatcher queue
// buffers snapshots until its drain runs.
func startComponents(ctx context.Context, components []component.Component) error {
	g := new(errgroup.Group)
	for _, c := range components {
		c := c // pre-go1.22 loop semantics: give each goroutine its own component
		g.Go(func() error {
			if err := c.Initialize(); err != nil {
				return fmt.Errorf("initialize %s: %w", c.Name(), err)
			}
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", c.Name(), err)
			}
			slog.Debug("component started", "component", c.Name())
			return nil
		})
	}
	return g.Wait()
}

// stopComponents stops components in reverse start order. Failures are
// logged, never propagated: shutdown always runs to the end.
func stopComponents(components []component.Component, timeout time.Duration) {
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Stop(timeout); err != nil && !stderrors.Is(err, errors.ErrNotStarted) {
			slog.Warn("component stop failed", "component", c.Name(), "error", err)
		}
	}
}

// refreshMonitor pulls current health from every component into the
// monitor before an aggregate is served.
func refreshMonitor(monitor *health.Monitor, components []component.Component) {
	for _, c := range components {
		monitor.Update(c.Name(), health.FromComponentHealth(c.Name(), c.Health()))
	}
}

// healthzHandler serves the aggregated component health.
func healthzHandler(monitor *health.Monitor, components []component.Component) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshMonitor(monitor, components)
		aggregate := monitor.AggregateHealth(appName)

		w.Header().Set("Content-Type", "application/json")
		if !aggregate.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(aggregate)
	})
}

// readyzHandler serves a boolean readiness verdict: ready once every
// component reports healthy.
func readyzHandler(monitor *health.Monitor, components []component.Component) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshMonitor(monitor, components)
		ready := monitor.AggregateHealth(appName).Healthy

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
	})
}
