package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollInterval          = 20 * time.Second
	DefaultPoolSize              = 10
	DefaultRotationCheckInterval = 60 * time.Second
	DefaultStopGrace             = 5 * time.Second
	DefaultRestartDelay          = 2 * time.Second
	DefaultEncoding              = "utf-8"
)

// SourceConfig describes one monitored file
type SourceConfig struct {
	Symbol string
	Path   string
	Rules  []string
}

// Config holds all configuration for the agent
type Config struct {
	Sources []SourceConfig

	// Scheduling
	PollInterval time.Duration
	PoolSize     int
	RunDuration  time.Duration // Zero means run until stopped
	StopGrace    time.Duration // Wait for in-flight polls on stop

	// Rotation watching
	RotationWatch         bool
	RotationNotify        bool // Also react to fsnotify remove/rename events
	RotationCheckInterval time.Duration
	RestartDelay          time.Duration

	// Reading
	Encoding  string
	StateFile string // Optional BoltDB file for offset checkpoints

	// Observability
	LogLevel       string
	LogFile        string
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SampleRatio    float64 // Fraction of root traces kept, 1 keeps all
	MetricsAddr    string  // Prometheus listen address, empty disables
}

// Default returns a configuration with every default applied and no sources
func Default() *Config {
	return &Config{
		PollInterval:          DefaultPollInterval,
		PoolSize:              DefaultPoolSize,
		StopGrace:             DefaultStopGrace,
		RotationWatch:         true,
		RotationCheckInterval: DefaultRotationCheckInterval,
		RestartDelay:          DefaultRestartDelay,
		Encoding:              DefaultEncoding,
		LogLevel:              "info",
		OTLPProtocol:          "grpc",
		SampleRatio:           1,
	}
}

// Load builds the configuration from the optional YAML file named by
// LOGWATCH_CONFIG and then applies environment overrides
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("LOGWATCH_CONFIG", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.PollInterval = getEnvSeconds("LOGWATCH_POLL_INTERVAL", c.PollInterval)
	c.PoolSize = getEnvInt("LOGWATCH_POOL_SIZE", c.PoolSize)
	c.RunDuration = getEnvSeconds("LOGWATCH_RUN_DURATION", c.RunDuration)
	c.RotationWatch = getEnvBool("LOGWATCH_ROTATION_WATCH", c.RotationWatch)
	c.RotationNotify = getEnvBool("LOGWATCH_ROTATION_NOTIFY", c.RotationNotify)
	c.RotationCheckInterval = getEnvSeconds("LOGWATCH_ROTATION_INTERVAL", c.RotationCheckInterval)
	c.Encoding = getEnv("LOGWATCH_ENCODING", c.Encoding)
	c.StateFile = getEnv("LOGWATCH_STATE_FILE", c.StateFile)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.OTLPProtocol = getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", c.OTLPProtocol)
	c.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", c.SampleRatio)
	c.MetricsAddr = getEnv("LOGWATCH_METRICS_ADDR", c.MetricsAddr)

	// LOGWATCH_SOURCES="app=/var/log/app.log;db=/var/log/db.log"
	// with LOGWATCH_RULES="ERROR;FATAL" applied to each of them
	rules := parseList(getEnv("LOGWATCH_RULES", ""))
	for _, entry := range parseList(getEnv("LOGWATCH_SOURCES", "")) {
		symbol, path, ok := strings.Cut(entry, "=")
		if !ok {
			symbol, path = filepath.Base(entry), entry
		}
		c.Sources = append(c.Sources, SourceConfig{
			Symbol: strings.TrimSpace(symbol),
			Path:   strings.TrimSpace(path),
			Rules:  append([]string(nil), rules...),
		})
	}
}

// resolvePaths makes every source path absolute
func (c *Config) resolvePaths() error {
	for i := range c.Sources {
		if c.Sources[i].Path == "" {
			continue
		}
		abs, err := filepath.Abs(c.Sources[i].Path)
		if err != nil {
			return fmt.Errorf("failed to resolve path of source %q: %w", c.Sources[i].Symbol, err)
		}
		c.Sources[i].Path = abs
	}
	return nil
}

// Validate checks if the configuration is valid.
// It does not check that source files exist; that happens at start.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Symbol == "" {
			return fmt.Errorf("source with path %q has no symbol", src.Path)
		}
		if _, dup := seen[src.Symbol]; dup {
			return fmt.Errorf("duplicate source symbol %q", src.Symbol)
		}
		seen[src.Symbol] = struct{}{}

		if src.Path == "" {
			return fmt.Errorf("source %q has no path", src.Symbol)
		}
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1")
	}
	if c.RunDuration < 0 {
		return fmt.Errorf("run duration must not be negative")
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop grace must not be negative")
	}
	if c.RotationWatch && c.RotationCheckInterval <= 0 {
		return fmt.Errorf("rotation check interval must be positive")
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart delay must not be negative")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be within [0, 1]")
	}

	return nil
}

// Paths returns symbol -> path for every source
func (c *Config) Paths() map[string]string {
	out := make(map[string]string, len(c.Sources))
	for _, src := range c.Sources {
		out[src.Symbol] = src.Path
	}
	return out
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvSeconds reads a whole number of seconds
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// parseList parses a semicolon-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ";")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
