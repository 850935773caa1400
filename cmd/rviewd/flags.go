package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/chengwei-dev/r-enhanced-viewer/config"
)

// CLIConfig holds command-line configuration. Port fields default to -1
// meaning "not set"; only set flags override the loaded config.
type CLIConfig struct {
	ConfigPath  string
	Port        int
	WSPort      int
	MetricsPort int
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("RVIEWER_CONFIG", ""),
		"Path to configuration file, empty searches for rviewer.yaml (env: RVIEWER_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("RVIEWER_CONFIG", ""),
		"Path to configuration file, empty searches for rviewer.yaml (env: RVIEWER_CONFIG)")

	flag.IntVar(&cfg.Port, "port",
		getEnvInt("RVIEWER_PORT", -1),
		"Relay listen port, overrides config (env: RVIEWER_PORT)")

	flag.IntVar(&cfg.WSPort, "ws-port",
		getEnvInt("RVIEWER_WS_PORT", -1),
		"Panel websocket port, overrides config (env: RVIEWER_WS_PORT)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("RVIEWER_METRICS_PORT", -1),
		"Metrics listen port, overrides config (env: RVIEWER_METRICS_PORT)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("RVIEWER_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides config (env: RVIEWER_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("RVIEWER_LOG_FORMAT", ""),
		"Log format: text, json; overrides config (env: RVIEWER_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	// Custom usage
	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	// An explicit config path must exist; an empty one means search
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !contains([]string{"text", "json"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Port > 65535 || cfg.Port < -1 {
		return fmt.Errorf("invalid relay port: %d", cfg.Port)
	}
	if cfg.WSPort > 65535 || cfg.WSPort < -1 {
		return fmt.Errorf("invalid websocket port: %d", cfg.WSPort)
	}
	if cfg.MetricsPort > 65535 || cfg.MetricsPort < -1 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

// applyFlagOverrides folds set flags into the loaded configuration.
// Flags beat the config file and RVIEWER_ environment keys.
func applyFlagOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.Port >= 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.WSPort >= 0 {
		cfg.Sink.Websocket.Port = cli.WSPort
	}
	if cli.MetricsPort >= 0 {
		cfg.Metrics.Port = cli.MetricsPort
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - R table viewer relay daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/path/to/rviewer.yaml

  # Run on a different relay port with debug logging
  %s --port=9765 --log-level=debug

  # Run with environment variables
  export RVIEWER_CONFIG=/etc/rviewer/rviewer.yaml
  export RVIEWER_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
