package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML representation. Pointers distinguish
// "not set" from zero so that file values only override what they name.
type fileConfig struct {
	Sources []struct {
		Symbol string   `yaml:"symbol"`
		Path   string   `yaml:"path"`
		Rules  []string `yaml:"rules"`
	} `yaml:"sources"`

	PollIntervalSeconds *int `yaml:"poll_interval_seconds"`
	PoolSize            *int `yaml:"pool_size"`
	RunDurationSeconds  *int `yaml:"run_duration_seconds"`
	StopGraceSeconds    *int `yaml:"stop_grace_seconds"`

	Rotation struct {
		Enabled             *bool `yaml:"enabled"`
		Notify              *bool `yaml:"notify"`
		IntervalSeconds     *int  `yaml:"interval_seconds"`
		RestartDelaySeconds *int  `yaml:"restart_delay_seconds"`
	} `yaml:"rotation"`

	Encoding    string `yaml:"encoding"`
	StateFile   string `yaml:"state_file"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	Tracing struct {
		Enabled     *bool    `yaml:"enabled"`
		Endpoint    string   `yaml:"endpoint"`
		Protocol    string   `yaml:"protocol"`
		SampleRatio *float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
}

// LoadFile reads a YAML configuration on top of the defaults and validates it
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for _, src := range fc.Sources {
		c.Sources = append(c.Sources, SourceConfig{
			Symbol: src.Symbol,
			Path:   src.Path,
			Rules:  src.Rules,
		})
	}

	setSeconds(&c.PollInterval, fc.PollIntervalSeconds)
	setSeconds(&c.RunDuration, fc.RunDurationSeconds)
	setSeconds(&c.StopGrace, fc.StopGraceSeconds)
	setSeconds(&c.RotationCheckInterval, fc.Rotation.IntervalSeconds)
	setSeconds(&c.RestartDelay, fc.Rotation.RestartDelaySeconds)

	if fc.PoolSize != nil {
		c.PoolSize = *fc.PoolSize
	}
	if fc.Rotation.Enabled != nil {
		c.RotationWatch = *fc.Rotation.Enabled
	}
	if fc.Rotation.Notify != nil {
		c.RotationNotify = *fc.Rotation.Notify
	}
	if fc.Tracing.Enabled != nil {
		c.TracingEnabled = *fc.Tracing.Enabled
	}

	setString(&c.Encoding, fc.Encoding)
	setString(&c.StateFile, fc.StateFile)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFile, fc.Log.File)
	setString(&c.OTLPEndpoint, fc.Tracing.Endpoint)
	setString(&c.OTLPProtocol, fc.Tracing.Protocol)
	if fc.Tracing.SampleRatio != nil {
		c.SampleRatio = *fc.Tracing.SampleRatio
	}

	return nil
}

func setSeconds(dst *time.Duration, secs *int) {
	if secs != nil {
		*dst = time.Duration(*secs) * time.Second
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
