package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
)

// Server represents the operational metrics HTTP server. It serves the
// Prometheus exposition endpoint plus any extra operational handlers wired in
// before Start (aggregated health, readiness).
type Server struct {
	host     string
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *Registry
	extra    map[string]http.Handler
	mu       sync.Mutex // protects server, listener
}

// NewServer creates a new metrics server with the provided registry.
// Port 0 binds an ephemeral port; read it back with Port after Start.
func NewServer(host string, port int, path string, registry *Registry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if host == "" {
		host = "127.0.0.1"
	}

	return &Server{
		host:     host,
		port:     port,
		path:     path,
		registry: registry,
		extra:    make(map[string]http.Handler),
	}
}

// Handle registers an extra operational handler. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = handler
}

// Port returns the port the server is bound to. Before Start it returns the
// configured port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

// Start binds the listener and serves until Stop is called. A clean shutdown
// returns nil.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyRunning,
			"Server", "Start", "start metrics server")
	}

	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()

	handler := promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
	mux.Handle(s.path, handler)

	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html>
<head><title>R Enhanced Viewer Metrics</title></head>
<body>
<h1>R Enhanced Viewer Metrics Server</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/healthz">Health</a></p>
<p><a href="/readyz">Readiness</a></p>
</body>
</html>`, s.path)
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("bind metrics listener on port %d", s.port))
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve metrics endpoint")
	}

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop",
			"shut down metrics HTTP server")
	}
	return nil
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d%s", s.host, s.Port(), s.path)
}
