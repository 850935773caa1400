// Package config loads and validates the relay configuration from
// defaults, an optional YAML file, and RVIEWER_-prefixed environment
// variables. Environment variables take precedence over the config
// file, which takes precedence over defaults.
package config

import (
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
)

// Config is the top-level relay configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Review     ReviewConfig     `mapstructure:"review"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig configures the relay HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Must resolve to a loopback interface;
	// the relay is a local bridge and never accepts remote traffic.
	Host string `mapstructure:"host"`

	// Port is the preferred listen port (default: 8765). If the port is
	// taken the server retries once on Port+1. Port 0 binds ephemerally.
	Port int `mapstructure:"port"`

	// ReadTimeout bounds reading a full request including the body
	// (default: 10s).
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout bounds writing a response (default: 10s).
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout bounds how long a keep-alive connection may sit idle
	// (default: 60s).
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown on Stop (default: 5s).
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SessionConfig configures R session tracking.
type SessionConfig struct {
	// LivenessTimeout is how long after the last contact a session is
	// still considered attached (default: 60s).
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

// CorrelatorConfig configures extension-to-R request correlation.
type CorrelatorConfig struct {
	// RequestTimeout bounds how long an issued request waits for the R
	// side to respond before failing (default: 30s).
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ReviewConfig configures the push path.
type ReviewConfig struct {
	// MaxBodyBytes caps the accepted size of a pushed snapshot payload
	// (default: 100 MiB). Larger bodies are rejected with 413.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// SinkConfig configures snapshot delivery.
type SinkConfig struct {
	// QueueCapacity bounds the dispatch queue. When full, the oldest
	// queued snapshot is dropped to admit the newest (default: 64).
	QueueCapacity int `mapstructure:"queue_capacity"`

	Log       LogSinkConfig       `mapstructure:"log"`
	Websocket WebsocketSinkConfig `mapstructure:"websocket"`
}

// LogSinkConfig configures the structured-log sink.
type LogSinkConfig struct {
	// Enabled turns the log sink on (default: true).
	Enabled bool `mapstructure:"enabled"`
}

// WebsocketSinkConfig configures the websocket panel sink.
type WebsocketSinkConfig struct {
	// Enabled turns the websocket broadcast sink on (default: true).
	Enabled bool `mapstructure:"enabled"`

	// Port is the websocket listen port (default: 8766). Port 0 binds
	// ephemerally.
	Port int `mapstructure:"port"`

	// PingInterval is how often the sink pings idle panel connections
	// (default: 30s).
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// WriteTimeout bounds a single frame write to a panel connection
	// (default: 10s).
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// SendBuffer is the per-client outbound queue length. A client that
	// falls this far behind starts losing the oldest frames (default: 8).
	SendBuffer int `mapstructure:"send_buffer"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP server on (default: true).
	Enabled bool `mapstructure:"enabled"`

	// Port is the metrics listen port (default: 9090).
	Port int `mapstructure:"port"`

	// Path is the exposition endpoint path (default: /metrics).
	Path string `mapstructure:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `mapstructure:"level"`

	// Format is one of text, json (default: text).
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a fully populated configuration with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			LivenessTimeout: 60 * time.Second,
		},
		Correlator: CorrelatorConfig{
			RequestTimeout: 30 * time.Second,
		},
		Review: ReviewConfig{
			MaxBodyBytes: 100 << 20,
		},
		Sink: SinkConfig{
			QueueCapacity: 64,
			Log: LogSinkConfig{
				Enabled: true,
			},
			Websocket: WebsocketSinkConfig{
				Enabled:      true,
				Port:         8766,
				PingInterval: 30 * time.Second,
				WriteTimeout: 10 * time.Second,
				SendBuffer:   8,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from defaults, an optional config file, and
// environment variables. When path is empty, Load searches the working
// directory for rviewer.yaml and tolerates its absence; when path is
// given, the file must exist and parse.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("rviewer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load",
				fmt.Sprintf("read config file %s", path))
		}
	} else {
		v.SetConfigName("rviewer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every known key so AutomaticEnv can resolve
// env-only values during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout.String())
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout.String())
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout.String())
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())
	v.SetDefault("session.liveness_timeout", d.Session.LivenessTimeout.String())
	v.SetDefault("correlator.request_timeout", d.Correlator.RequestTimeout.String())
	v.SetDefault("review.max_body_bytes", d.Review.MaxBodyBytes)
	v.SetDefault("sink.queue_capacity", d.Sink.QueueCapacity)
	v.SetDefault("sink.log.enabled", d.Sink.Log.Enabled)
	v.SetDefault("sink.websocket.enabled", d.Sink.Websocket.Enabled)
	v.SetDefault("sink.websocket.port", d.Sink.Websocket.Port)
	v.SetDefault("sink.websocket.ping_interval", d.Sink.Websocket.PingInterval.String())
	v.SetDefault("sink.websocket.write_timeout", d.Sink.Websocket.WriteTimeout.String())
	v.SetDefault("sink.websocket.send_buffer", d.Sink.Websocket.SendBuffer)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate ensures the configuration is valid, filling defaults for
// zero-valued fields.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if !isLoopbackHost(c.Server.Host) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("server.host must be a loopback address, got %s", c.Server.Host))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("server.port must be between 0 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 ||
		c.Server.IdleTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server timeouts must be positive")
	}

	if c.Session.LivenessTimeout == 0 {
		c.Session.LivenessTimeout = 60 * time.Second
	}
	if c.Session.LivenessTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"session.liveness_timeout must be positive")
	}

	if c.Correlator.RequestTimeout == 0 {
		c.Correlator.RequestTimeout = 30 * time.Second
	}
	if c.Correlator.RequestTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"correlator.request_timeout must be positive")
	}

	if c.Review.MaxBodyBytes == 0 {
		c.Review.MaxBodyBytes = 100 << 20
	}
	if c.Review.MaxBodyBytes < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"review.max_body_bytes must be at least 1")
	}

	if c.Sink.QueueCapacity == 0 {
		c.Sink.QueueCapacity = 64
	}
	if c.Sink.QueueCapacity < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"sink.queue_capacity must be at least 1")
	}
	if c.Sink.Websocket.Port < 0 || c.Sink.Websocket.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("sink.websocket.port must be between 0 and 65535, got %d", c.Sink.Websocket.Port))
	}
	if c.Sink.Websocket.PingInterval == 0 {
		c.Sink.Websocket.PingInterval = 30 * time.Second
	}
	if c.Sink.Websocket.WriteTimeout == 0 {
		c.Sink.Websocket.WriteTimeout = 10 * time.Second
	}
	if c.Sink.Websocket.PingInterval < 0 || c.Sink.Websocket.WriteTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"sink.websocket timeouts must be positive")
	}
	if c.Sink.Websocket.SendBuffer == 0 {
		c.Sink.Websocket.SendBuffer = 8
	}
	if c.Sink.Websocket.SendBuffer < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"sink.websocket.send_buffer must be at least 1")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port))
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("logging.level must be debug, info, warn or error, got %s", c.Logging.Level))
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("logging.format must be text or json, got %s", c.Logging.Format))
	}

	return nil
}

// isLoopbackHost reports whether host names a loopback interface.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
