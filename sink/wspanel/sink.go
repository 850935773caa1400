// Package wspanel implements the websocket broadcast sink for the
// viewer panel. It runs its own loopback listener, fans every
// normalized snapshot out to all connected panel clients, and replays
// the latest snapshot per table to a freshly connected client so a
// panel reload catches up without a new push.
package wspanel

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chengwei-dev/r-enhanced-viewer/component"
	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/metric"
	"github.com/chengwei-dev/r-enhanced-viewer/pkg/timestamp"
	"github.com/chengwei-dev/r-enhanced-viewer/sink"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// Ensure Sink implements the component lifecycle and the sink contract
var _ component.Component = (*Sink)(nil)
var _ sink.Sink = (*Sink)(nil)

// Envelope wraps every frame sent to a panel client. Payload carries
// the snapshot JSON; ID correlates log lines with what the panel
// renders.
type Envelope struct {
	Type      string          `json:"type"`      // Always "snapshot"
	ID        string          `json:"id"`        // Unique frame ID
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload"`   // Snapshot JSON
}

// ConstructorConfig holds all configuration needed to construct a Sink.
type ConstructorConfig struct {
	Host         string        // Bind address, loopback only
	Port         int           // Listen port; 0 binds ephemerally
	Path         string        // Websocket endpoint path
	PingInterval time.Duration // Idle connection ping cadence
	WriteTimeout time.Duration // Single frame write deadline
	SendBuffer   int           // Per-client queue; frames drop when full

	Logger          *slog.Logger     // Optional structured logger
	MetricsRegistry *metric.Registry // Optional Prometheus metrics registry
}

// DefaultConstructorConfig returns sensible defaults for Sink construction.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		Host:         "127.0.0.1",
		Port:         8766,
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   8,
	}
}

// Sink is the websocket broadcast server for the panel.
type Sink struct {
	host         string
	port         int
	path         string
	pingInterval time.Duration
	writeTimeout time.Duration
	sendBuffer   int

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	// Latest marshaled envelope per table name, replayed on connect.
	latestMu sync.RWMutex
	latest   map[string][]byte

	// Lifecycle state
	mu            sync.Mutex
	running       bool
	listener      net.Listener
	server        *http.Server
	effectivePort int
	startTime     time.Time
	lastErr       string
	shutdown      chan struct{}
	wg            *sync.WaitGroup

	logger  *slog.Logger
	metrics *Metrics
}

// client is one connected panel. Frames are queued on send and written
// by the client's write pump; the pump also owns ping traffic, so
// nothing else may write to conn once the pumps run.
type client struct {
	conn        *websocket.Conn
	send        chan []byte
	quit        chan struct{}
	connectedAt time.Time
	closeOnce   sync.Once
}

// NewSink creates a panel sink from the given configuration.
func NewSink(cfg ConstructorConfig) *Sink {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sink{
		host:         cfg.Host,
		port:         cfg.Port,
		path:         cfg.Path,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		sendBuffer:   cfg.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The listener is loopback-only and the panel webview
			// supplies no meaningful Origin header.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients:       make(map[*client]struct{}),
		latest:        make(map[string][]byte),
		effectivePort: cfg.Port,
		logger:        cfg.Logger.With("component", "wspanel"),
	}
	s.metrics = newMetrics(cfg.MetricsRegistry, s.clientCount)
	return s
}

// clientCount reports the number of currently connected panels.
func (s *Sink) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "wspanel"
}

// Initialize validates the endpoint path and wires the websocket route.
func (s *Sink) Initialize() error {
	if !strings.HasPrefix(s.path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Sink", "Initialize",
			fmt.Sprintf("websocket path %q must start with /", s.path))
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWS)
	s.mux = mux
	return nil
}

// Start binds the panel listener and begins serving. The bind happens
// synchronously so Port() is valid as soon as Start returns; serving
// continues on a background goroutine.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Sink", "Start",
			"start panel sink")
	}
	if s.mux == nil {
		if err := s.Initialize(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Sink", "Start", "bind panel listener")
	}

	s.listener = listener
	s.effectivePort = listenerPort(listener)
	// No server-level read/write timeouts: panel connections are
	// long-lived and the pumps set per-message deadlines.
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}
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
			s.logger.Error("panel listener terminated", "error", err)
		}
	}()

	s.logger.Info("panel sink started", "host", s.host, "port", s.effectivePort, "path", s.path)
	return nil
}

// Stop closes the listener and every panel connection, then waits for
// the client pumps to exit.
func (s *Sink) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Sink", "Stop",
			"stop panel sink")
	}
	server := s.server
	shutdown := s.shutdown
	wg := s.wg
	s.running = false
	s.server = nil
	s.listener = nil
	s.shutdown = nil
	s.wg = nil
	s.mu.Unlock()

	close(shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("panel listener shutdown", "error", err)
	}

	// Upgraded connections are hijacked from the http server, so
	// Shutdown does not touch them. Close them directly and let the
	// pumps unwind.
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Sink", "Stop",
			fmt.Sprintf("client pumps did not exit within %s", timeout))
	}

	s.logger.Info("panel sink stopped")
	return nil
}

// Port returns the effective listen port. Callers must read it back
// after Start when configured with port 0.
func (s *Sink) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectivePort
}

// Health returns the current health status
func (s *Sink) Health() component.HealthStatus {
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

// OnSnapshot broadcasts a snapshot to every connected panel and records
// it as the latest frame for its table. Never blocks: a client whose
// queue is full loses the frame, not the connection.
func (s *Sink) OnSnapshot(snapshot *table.Snapshot) {
	if snapshot == nil {
		return
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("payload_marshal").Inc()
		}
		s.logger.Error("snapshot marshal failed", "name", snapshot.Name, "error", err)
		return
	}

	envelope := Envelope{
		Type:      "snapshot",
		ID:        uuid.New().String(),
		Timestamp: timestamp.Now(),
		Payload:   payload,
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("envelope_marshal").Inc()
		}
		s.logger.Error("envelope marshal failed", "name", snapshot.Name, "error", err)
		return
	}

	s.latestMu.Lock()
	s.latest[snapshot.Name] = frame
	s.latestMu.Unlock()

	var queued, dropped int
	s.clientsMu.Lock()
	for c := range s.clients {
		if c.offer(frame) {
			queued++
		} else {
			dropped++
		}
	}
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.broadcastsTotal.Inc()
		if dropped > 0 {
			s.metrics.framesDroppedTotal.Add(float64(dropped))
		}
	}
	if dropped > 0 {
		s.logger.Warn("slow panel clients dropped frame",
			"name", snapshot.Name, "queued", queued, "dropped", dropped)
	}
	s.logger.Debug("snapshot broadcast",
		"name", snapshot.Name, "frame_id", envelope.ID, "clients", queued+dropped)
}

// offer queues a frame without blocking. Reports false when the
// client's queue is full.
func (c *client) offer(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// handleWS upgrades a panel connection, replays the latest snapshots,
// and hands the connection to its pumps.
func (s *Sink) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		http.Error(w, "panel sink is shutting down", http.StatusServiceUnavailable)
		return
	}
	shutdown := s.shutdown
	wg := s.wg
	wg.Add(2)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wg.Done()
		wg.Done()
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("upgrade").Inc()
		}
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, s.sendBuffer),
		quit:        make(chan struct{}),
		connectedAt: time.Now(),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
	}
	s.logger.Info("panel connected", "remote", r.RemoteAddr, "clients", count)

	// Replay before the write pump starts, so these are the only
	// writes on the connection. Broadcasts arriving meanwhile queue on
	// send and follow the replay, newest state last.
	if err := s.replayLatest(c); err != nil {
		s.dropClient(c, "replay_failed")
		wg.Done()
		wg.Done()
		return
	}

	go s.readPump(c, wg)
	go s.writePump(c, wg, shutdown)
}

// replayLatest writes the stored latest frame for every table to a
// fresh connection, in table name order.
func (s *Sink) replayLatest(c *client) error {
	s.latestMu.RLock()
	names := make([]string, 0, len(s.latest))
	for name := range s.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		frames = append(frames, s.latest[name])
	}
	s.latestMu.RUnlock()

	for _, frame := range frames {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	if len(frames) > 0 {
		s.logger.Debug("replayed latest snapshots", "count", len(frames))
	}
	return nil
}

// readPump drains the connection for liveness. The panel sends no
// application data; reading processes pongs and close frames and
// notices a dead peer through the read deadline.
func (s *Sink) readPump(c *client, wg *sync.WaitGroup) {
	defer wg.Done()
	defer s.dropClient(c, "peer_closed")

	readWait := 2 * s.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	}
}

// writePump owns all writes on the connection after replay: queued
// frames and the ping ticker.
func (s *Sink) writePump(c *client, wg *sync.WaitGroup, shutdown <-chan struct{}) {
	defer wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.dropClient(c, "write_error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.dropClient(c, "ping_error")
				return
			}
		case <-c.quit:
			return
		case <-shutdown:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			s.dropClient(c, "shutdown")
			return
		}
	}
}

// dropClient removes a client and closes its connection. Safe to call
// from either pump or from Stop; only the first caller's reason is
// recorded.
func (s *Sink) dropClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()

		close(c.quit)
		_ = c.conn.Close()

		if s.metrics != nil {
			s.metrics.disconnectionsTotal.WithLabelValues(reason).Inc()
		}
		s.logger.Info("panel disconnected",
			"reason", reason, "connected_for", time.Since(c.connectedAt), "clients", count)
	})
}

// closeAllClients force-closes every connection during Stop.
func (s *Sink) closeAllClients() {
	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		s.dropClient(c, "shutdown")
	}
}

// listenerPort reads the bound port back from a listener.
func listenerPort(l net.Listener) int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
