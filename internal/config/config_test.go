package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a; b ;;c", []string{"a", "b", "c"}},
		{" ; ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseList(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseList(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Sources = []SourceConfig{{Symbol: "app", Path: "/var/log/app.log", Rules: []string{"ERROR"}}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no sources", mutate: func(c *Config) { c.Sources = nil }, wantErr: "at least one source"},
		{
			name:    "duplicate symbol",
			mutate:  func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) },
			wantErr: "duplicate",
		},
		{name: "empty symbol", mutate: func(c *Config) { c.Sources[0].Symbol = "" }, wantErr: "no symbol"},
		{name: "empty path", mutate: func(c *Config) { c.Sources[0].Path = "" }, wantErr: "no path"},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: "poll interval"},
		{name: "zero pool", mutate: func(c *Config) { c.PoolSize = 0 }, wantErr: "pool size"},
		{name: "negative run", mutate: func(c *Config) { c.RunDuration = -time.Second }, wantErr: "run duration"},
		{
			name:    "rotation interval required when watching",
			mutate:  func(c *Config) { c.RotationCheckInterval = 0 },
			wantErr: "rotation check interval",
		},
		{
			name: "rotation interval ignored when not watching",
			mutate: func(c *Config) {
				c.RotationWatch = false
				c.RotationCheckInterval = 0
			},
		},
		{name: "sample ratio above one", mutate: func(c *Config) { c.SampleRatio = 1.5 }, wantErr: "sample ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logwatch.yaml")
	content := `
sources:
  - symbol: app
    path: app.log
    rules: ["ERROR", "re:timeout after \\d+ms"]
  - symbol: db
    path: /var/log/db.log
    rules: ["deadlock"]
poll_interval_seconds: 5
pool_size: 3
rotation:
  enabled: false
  notify: true
  restart_delay_seconds: 0
encoding: windows-1251
metrics_addr: "127.0.0.1:9464"
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].Symbol != "app" || cfg.Sources[1].Symbol != "db" {
		t.Errorf("sources out of order: %+v", cfg.Sources)
	}
	if !filepath.IsAbs(cfg.Sources[0].Path) {
		t.Errorf("relative path was not resolved: %q", cfg.Sources[0].Path)
	}
	if got := cfg.Sources[0].Rules[1]; got != `re:timeout after \d+ms` {
		t.Errorf("rule = %q", got)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.PoolSize != 3 {
		t.Errorf("PoolSize = %d, want 3", cfg.PoolSize)
	}
	if cfg.RotationWatch {
		t.Error("RotationWatch = true, want false")
	}
	if cfg.RestartDelay != 0 {
		t.Errorf("RestartDelay = %v, want 0", cfg.RestartDelay)
	}
	if !cfg.RotationNotify {
		t.Error("RotationNotify = false, want true")
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	// untouched keys keep their defaults
	if cfg.RotationCheckInterval != DefaultRotationCheckInterval {
		t.Errorf("RotationCheckInterval = %v, want default", cfg.RotationCheckInterval)
	}
	if cfg.StopGrace != DefaultStopGrace {
		t.Errorf("StopGrace = %v, want default", cfg.StopGrace)
	}
	if cfg.Encoding != "windows-1251" || cfg.LogLevel != "debug" {
		t.Errorf("Encoding = %q, LogLevel = %q", cfg.Encoding, cfg.LogLevel)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFile() accepted a missing file")
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("sources: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(broken); err == nil {
		t.Error("LoadFile() accepted malformed YAML")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOGWATCH_CONFIG", "")
	t.Setenv("LOGWATCH_SOURCES", "app=/var/log/app.log; /var/log/db.log")
	t.Setenv("LOGWATCH_RULES", "ERROR;FATAL")
	t.Setenv("LOGWATCH_POLL_INTERVAL", "7")
	t.Setenv("LOGWATCH_POOL_SIZE", "2")
	t.Setenv("LOGWATCH_ROTATION_WATCH", "false")
	t.Setenv("LOGWATCH_RUN_DURATION", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[1].Symbol != "db.log" {
		t.Errorf("symbol derived from path = %q, want db.log", cfg.Sources[1].Symbol)
	}
	if len(cfg.Sources[0].Rules) != 2 || cfg.Sources[0].Rules[1] != "FATAL" {
		t.Errorf("rules = %v", cfg.Sources[0].Rules)
	}
	if cfg.PollInterval != 7*time.Second || cfg.PoolSize != 2 {
		t.Errorf("PollInterval = %v, PoolSize = %d", cfg.PollInterval, cfg.PoolSize)
	}
	if cfg.RotationWatch {
		t.Error("RotationWatch = true, want false")
	}
	if cfg.RunDuration != 30*time.Second {
		t.Errorf("RunDuration = %v, want 30s", cfg.RunDuration)
	}

	paths := cfg.Paths()
	if paths["app"] != "/var/log/app.log" {
		t.Errorf("Paths()[app] = %q", paths["app"])
	}
}

func TestLoadInvalidEnvKeepsDefault(t *testing.T) {
	t.Setenv("LOGWATCH_CONFIG", "")
	t.Setenv("LOGWATCH_SOURCES", "app=/var/log/app.log")
	t.Setenv("LOGWATCH_POOL_SIZE", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("PoolSize = %d, want default %d", cfg.PoolSize, DefaultPoolSize)
	}
}
