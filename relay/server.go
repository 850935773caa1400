// Package relay implements the peer-facing HTTP protocol server: the
// single loopback listener both sides of the bridge talk to. The R peer
// registers, heartbeats, polls for pull requests, responds to them, and
// pushes snapshots through it; the viewer reads status and drives the
// pull path through the /api routes.
package relay

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chengwei-dev/r-enhanced-viewer/component"
	"github.com/chengwei-dev/r-enhanced-viewer/correlate"
	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/metric"
	"github.com/chengwei-dev/r-enhanced-viewer/session"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// Compile-time check that Server implements Component
var _ component.Component = (*Server)(nil)

// Publisher receives normalized snapshots from the push path.
type Publisher interface {
	Publish(snapshot *table.Snapshot)
}

// ConstructorConfig holds all configuration needed to construct a Server.
type ConstructorConfig struct {
	Host           string        // Bind address, loopback only
	Port           int           // Preferred port; port+1 is tried once when taken, 0 binds ephemerally
	ReadTimeout    time.Duration // Full-request read deadline
	WriteTimeout   time.Duration // Response write deadline
	IdleTimeout    time.Duration // Keep-alive idle deadline
	MaxReviewBytes int64         // Push body cap

	Sessions   *session.Registry     // Required
	Correlator *correlate.Correlator // Required
	Publisher  Publisher             // Optional snapshot consumer

	Logger          *slog.Logger     // Optional structured logger
	MetricsRegistry *metric.Registry // Optional Prometheus metrics registry
}

// DefaultConstructorConfig returns sensible defaults for Server construction.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		Host:           "127.0.0.1",
		Port:           8765,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxReviewBytes: 100 << 20,
	}
}

// Server is the relay protocol server.
type Server struct {
	host           string
	port           int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	maxReviewBytes int64

	sessions   *session.Registry
	correlator *correlate.Correlator
	publisher  Publisher

	mux *http.ServeMux

	// Lifecycle state
	mu            sync.Mutex
	running       bool
	listener      net.Listener
	server        *http.Server
	effectivePort int
	startTime     time.Time
	lastErr       string

	pollLog rate.Sometimes
	logger  *slog.Logger
	metrics *Metrics
}

// NewServer creates a relay server from the given configuration.
func NewServer(cfg ConstructorConfig) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"session registry is required")
	}
	if cfg.Correlator == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"correlator is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxReviewBytes <= 0 {
		cfg.MaxReviewBytes = 100 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		idleTimeout:    cfg.IdleTimeout,
		maxReviewBytes: cfg.MaxReviewBytes,
		sessions:       cfg.Sessions,
		correlator:     cfg.Correlator,
		publisher:      cfg.Publisher,
		effectivePort:  cfg.Port,
		pollLog:        rate.Sometimes{First: 3, Interval: 30 * time.Second},
		logger:         cfg.Logger.With("component", "relay"),
	}
	s.metrics = newMetrics(cfg.MetricsRegistry)
	return s, nil
}

// Name returns the component name
func (s *Server) Name() string {
	return "relay"
}

// Initialize wires the protocol routes.
func (s *Server) Initialize() error {
	s.mux = s.newServeMux()
	return nil
}

// Start binds the loopback listener and begins serving. The bind happens
// synchronously so ErrPortInUse surfaces here and Port() is valid as
// soon as Start returns; serving continues on a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Server", "Start",
			"start relay server")
	}
	if s.mux == nil {
		s.mux = s.newServeMux()
	}

	listener, port, err := s.bind()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.listener = listener
	s.effectivePort = port
	s.server = &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.running = true
	s.startTime = time.Now()
	s.lastErr = ""
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
			s.logger.Error("relay listener terminated", "error", err)
		}
	}()

	s.logger.Info("relay server started", "host", s.host, "port", port)
	return nil
}

// bind opens the loopback listener, falling back to port+1 once when
// the configured port is taken. Port 0 binds ephemerally and never
// falls back.
func (s *Server) bind() (net.Listener, int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err == nil {
		return listener, listenerPort(listener), nil
	}
	if s.port == 0 {
		return nil, 0, errors.WrapFatal(err, "Server", "Start", "bind relay listener")
	}

	fallback := s.port + 1
	s.logger.Warn("configured port unavailable, trying next",
		"port", s.port, "fallback", fallback, "error", err)
	listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, fallback))
	if err != nil {
		return nil, 0, errors.WrapFatal(errors.ErrPortInUse, "Server", "Start",
			fmt.Sprintf("ports %d and %d both unavailable", s.port, fallback))
	}
	return listener, fallback, nil
}

// listenerPort reads the bound port back from a listener.
func listenerPort(l net.Listener) int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop gracefully stops the relay server.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Stop",
			"stop relay server")
	}
	server := s.server
	s.running = false
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shut down relay listener")
	}
	s.logger.Info("relay server stopped")
	return nil
}

// Port returns the effective listen port. Callers must read it back
// after Start rather than assume the configured one: the server may
// have adopted port+1, or an ephemeral port when configured with 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectivePort
}

// Health returns the current health status
func (s *Server) Health() component.HealthStatus {
	s.mu.Lock()
	running := s.running
	startTime := s.startTime
	lastErr := s.lastErr
	s.mu.Unlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:   running && lastErr == "",
		LastCheck: time.Now(),
		LastError: lastErr,
		Uptime:    uptime,
	}
}
