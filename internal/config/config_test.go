package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/remindq/internal/config"
)

// clearEnv blanks every override so a developer's shell cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REMINDQ_PORT", "REMINDQ_REDIS_URL", "REMINDQ_STORE_BACKEND",
		"REMINDQ_DATA_DIR", "REMINDQ_LOG_LEVEL", "REMINDQ_ATOMIC_REPLACE",
	} {
		t.Setenv(k, "")
	}
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != config.BackendRedis {
		t.Errorf("expected default backend redis, got %s", cfg.Store.Backend)
	}
	if cfg.Store.OpTimeout.Std() != 2*time.Second {
		t.Errorf("expected default op_timeout 2s, got %s", cfg.Store.OpTimeout.Std())
	}
	if cfg.Queues.Reminders != "deadline_reminders" || cfg.Queues.Added != "added" {
		t.Errorf("unexpected queue names: %+v", cfg.Queues)
	}
	offsets := cfg.Reminders.DefaultOffsets
	if len(offsets) != 3 || offsets[0] != 1 || offsets[1] != 3 || offsets[2] != 7 {
		t.Errorf("expected default offsets [1 3 7], got %v", offsets)
	}
	if cfg.Reminders.AtomicReplace {
		t.Error("atomic replace must be off by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	clearEnv(t)
	yaml := `
server:
  port: 9999
  host: "127.0.0.1"
store:
  backend: local
  data_dir: "/tmp/remindq_test"
  op_timeout: 500ms
reminders:
  default_offsets: [2, 5]
  atomic_replace: true
websocket:
  poll_interval: 250ms
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Store.Backend != config.BackendLocal {
		t.Errorf("expected backend local, got %s", cfg.Store.Backend)
	}
	if cfg.Store.OpTimeout.Std() != 500*time.Millisecond {
		t.Errorf("expected op_timeout 500ms, got %s", cfg.Store.OpTimeout.Std())
	}
	if len(cfg.Reminders.DefaultOffsets) != 2 || cfg.Reminders.DefaultOffsets[1] != 5 {
		t.Errorf("expected offsets [2 5], got %v", cfg.Reminders.DefaultOffsets)
	}
	if !cfg.Reminders.AtomicReplace {
		t.Error("expected atomic_replace true")
	}
	if cfg.WebSocket.PollInterval.Std() != 250*time.Millisecond {
		t.Errorf("expected poll_interval 250ms, got %s", cfg.WebSocket.PollInterval.Std())
	}
	// Unset fields keep their defaults.
	if cfg.Queues.Reminders != "deadline_reminders" {
		t.Errorf("expected default reminders queue (unchanged), got %s", cfg.Queues.Reminders)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeTempYAML(t, "server:\n  port: 9999\n")
	t.Setenv("REMINDQ_PORT", "7070")
	t.Setenv("REMINDQ_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("REMINDQ_STORE_BACKEND", "MEMORY")
	t.Setenv("REMINDQ_DATA_DIR", "/var/lib/remindq")
	t.Setenv("REMINDQ_LOG_LEVEL", "debug")
	t.Setenv("REMINDQ_ATOMIC_REPLACE", "true")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Store.RedisURL != "redis://cache:6379/2" {
		t.Errorf("unexpected redis url %s", cfg.Store.RedisURL)
	}
	if cfg.Store.Backend != config.BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Server.DataDir != "/var/lib/remindq" || cfg.Store.DataDir != "/var/lib/remindq" {
		t.Errorf("data dir not applied: %s / %s", cfg.Server.DataDir, cfg.Store.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if !cfg.Reminders.AtomicReplace {
		t.Error("expected atomic replace from env")
	}
}

func TestLoad_BadEnvValuesIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("REMINDQ_PORT", "not-a-port")
	t.Setenv("REMINDQ_ATOMIC_REPLACE", "sometimes")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("bad port should be ignored, got %d", cfg.Server.Port)
	}
	if cfg.Reminders.AtomicReplace {
		t.Error("bad bool should be ignored")
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "store:\n  op_timeout: soon\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"port 0":              func(c *config.Config) { c.Server.Port = 0 },
		"port 99999":          func(c *config.Config) { c.Server.Port = 99999 },
		"empty data dir":      func(c *config.Config) { c.Server.DataDir = "" },
		"unknown backend":     func(c *config.Config) { c.Store.Backend = "etcd" },
		"redis without url":   func(c *config.Config) { c.Store.RedisURL = "" },
		"local without dir":   func(c *config.Config) { c.Store.Backend = config.BackendLocal; c.Store.DataDir = "" },
		"zero op timeout":     func(c *config.Config) { c.Store.OpTimeout = 0 },
		"negative compaction": func(c *config.Config) { c.Store.CompactionInterval = -1 },
		"empty queue name":    func(c *config.Config) { c.Queues.Added = "" },
		"same queue names":    func(c *config.Config) { c.Queues.Added = c.Queues.Reminders },
		"zero default offset": func(c *config.Config) { c.Reminders.DefaultOffsets = []int{1, 0} },
		"huge default offset": func(c *config.Config) { c.Reminders.DefaultOffsets = []int{1, 40_000} },
		"zero rps":            func(c *config.Config) { c.RateLimit.RPS = 0 },
		"bad metrics port":    func(c *config.Config) { c.Metrics.Port = 0 },
		"zero poll interval":  func(c *config.Config) { c.WebSocket.PollInterval = 0 },
		"unknown log level":   func(c *config.Config) { c.Logging.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled metrics should skip port check: %v", err)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
