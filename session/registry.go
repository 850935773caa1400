// Package session tracks whether an R peer is currently attached to
// the relay. A peer attaches by registering and stays attached as long
// as heartbeats or polls keep arriving within the liveness timeout;
// detachment is derived from the clock, never stored, and there is no
// explicit disconnect call.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/metric"
	"github.com/chengwei-dev/r-enhanced-viewer/pkg/timestamp"
)

// Info carries the peer-supplied details from a registration call.
type Info struct {
	RVersion string `json:"rVersion,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// State is a point-in-time snapshot of the session for diagnostics.
// Attached is evaluated against the clock at snapshot time.
type State struct {
	Attached      bool   `json:"attached"`
	RegisteredAt  int64  `json:"registeredAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RVersion      string `json:"rVersion,omitempty"`
	PID           int    `json:"pid,omitempty"`
}

// ConstructorConfig holds all configuration needed to construct a Registry.
type ConstructorConfig struct {
	LivenessTimeout time.Duration    // How long after last contact the peer counts as attached
	OnAttach        func(Info)       // Fired once per not-attached to attached transition
	Logger          *slog.Logger     // Optional structured logger
	MetricsRegistry *metric.Registry // Optional Prometheus metrics registry
	Clock           func() int64     // Epoch-ms clock override for tests
}

// DefaultConstructorConfig returns sensible defaults for Registry construction.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		LivenessTimeout: 60 * time.Second,
	}
}

// Registry records the single peer session. All methods are safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	registered    bool
	registeredAt  int64
	lastHeartbeat int64
	info          Info

	livenessTimeout time.Duration
	onAttach        func(Info)
	now             func() int64
	logger          *slog.Logger
	metrics         *Metrics
}

// NewRegistry creates a Registry from the given configuration.
func NewRegistry(cfg ConstructorConfig) *Registry {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timestamp.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		livenessTimeout: cfg.LivenessTimeout,
		onAttach:        cfg.OnAttach,
		now:             cfg.Clock,
		logger:          cfg.Logger.With("component", "session"),
	}
	r.metrics = newMetrics(cfg.MetricsRegistry, r.IsAttached)
	return r
}

// Register unconditionally replaces any prior session and reports
// whether a not-attached to attached transition occurred. The OnAttach
// callback fires only on that transition, so repeated registrations by
// a live peer do not re-notify.
func (r *Registry) Register(info Info) bool {
	now := r.now()

	r.mu.Lock()
	wasAttached := r.attachedLocked(now)
	r.registered = true
	r.registeredAt = now
	r.lastHeartbeat = now
	r.info = info
	r.mu.Unlock()

	transition := !wasAttached

	if r.metrics != nil {
		r.metrics.registrationsTotal.Inc()
	}
	r.logger.Info("session registered",
		"r_version", info.RVersion,
		"pid", info.PID,
		"registered_at", timestamp.Format(now),
		"transition", transition)

	if transition && r.onAttach != nil {
		r.onAttach(info)
	}
	return transition
}

// Heartbeat extends the session's liveness. Fails with ErrNotRegistered
// when no session has ever registered.
func (r *Registry) Heartbeat() error {
	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotRegistered, "Registry", "Heartbeat",
			"heartbeat before registration")
	}
	r.lastHeartbeat = r.now()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.heartbeatsTotal.Inc()
	}
	return nil
}

// Touch extends liveness like Heartbeat but is a silent no-op when no
// session exists. The poll endpoint calls it so that an actively
// polling peer never times out between heartbeats.
func (r *Registry) Touch() {
	r.mu.Lock()
	if r.registered {
		r.lastHeartbeat = r.now()
	}
	r.mu.Unlock()
}

// IsAttached reports whether a peer is currently attached. Purely a
// function of the stored heartbeat timestamp and the current time: no
// session, or a last heartbeat older than the liveness timeout, both
// yield false.
func (r *Registry) IsAttached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attachedLocked(r.now())
}

// State returns a snapshot for diagnostics and whether a session has
// ever been registered.
func (r *Registry) State() (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.registered {
		return State{}, false
	}
	return State{
		Attached:      r.attachedLocked(r.now()),
		RegisteredAt:  r.registeredAt,
		LastHeartbeat: r.lastHeartbeat,
		RVersion:      r.info.RVersion,
		PID:           r.info.PID,
	}, true
}

// attachedLocked evaluates liveness at the given time. Callers must
// hold at least the read lock.
func (r *Registry) attachedLocked(nowMs int64) bool {
	if !r.registered {
		return false
	}
	return nowMs-r.lastHeartbeat <= r.livenessTimeout.Milliseconds()
}
