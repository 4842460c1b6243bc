// Package config holds all configuration types and loading logic for remindq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/remindq/internal/clock"
)

// Config is the root configuration for a remindq server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Queues    QueueNames      `yaml:"queues"`
	Reminders ReminderConfig  `yaml:"reminders"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds network settings and instance identity for this process.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	// InstanceID is a ULID. Use "auto" to generate and persist one on first start.
	InstanceID string `yaml:"instance_id"`
	// DataDir holds the persisted instance id.
	DataDir string `yaml:"data_dir"`
	// CORSOrigins lists browser origins allowed to call the API. "*" allows
	// any origin; an empty list disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// Backend names a storage implementation.
type Backend string

const (
	BackendRedis  Backend = "redis"  // shared sorted sets, the production setup
	BackendLocal  Backend = "local"  // single-node bbolt file
	BackendMemory Backend = "memory" // process-local, dev/test only
)

// StoreConfig selects and tunes the delayed queue store.
type StoreConfig struct {
	Backend   Backend `yaml:"backend"`
	RedisURL  string  `yaml:"redis_url"`
	KeyPrefix string  `yaml:"key_prefix"`
	// DataDir is where the local backend keeps queues.db and its payload log.
	DataDir string `yaml:"data_dir"`
	// OpTimeout bounds every individual store call.
	OpTimeout Duration `yaml:"op_timeout"`
	// CompactionInterval is how often the local backend drops removed
	// payloads from its log. 0 disables compaction.
	CompactionInterval Duration `yaml:"compaction_interval"`
}

// QueueNames are the sorted-set names the producer side writes to. The
// delivery worker must read the same names.
type QueueNames struct {
	Reminders string `yaml:"reminders"`
	Added     string `yaml:"added"`
}

// ReminderConfig controls the registrar.
type ReminderConfig struct {
	// DefaultOffsets is used when a request omits reminderDays.
	DefaultOffsets []int `yaml:"default_offsets"`
	// AtomicReplace runs scan+remove+insert as one store-side transaction
	// when the backend supports it. Off by default.
	AtomicReplace bool `yaml:"atomic_replace"`
}

// RateLimitConfig sets per-IP token-bucket limits on the HTTP API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebSocketConfig controls the read-only due-entry feed.
type WebSocketConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	MaxEntries   int      `yaml:"max_entries"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration written as a Go duration string ("2s") in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			InstanceID:   "auto",
			DataDir:      "./data",
			CORSOrigins:  []string{"*"},
		},
		Store: StoreConfig{
			Backend:   BackendRedis,
			RedisURL:  "redis://localhost:6379/0",
			KeyPrefix: "",
			DataDir:   "./data",
			OpTimeout: Duration(2 * time.Second),

			CompactionInterval: Duration(time.Hour),
		},
		Queues: QueueNames{
			Reminders: "deadline_reminders",
			Added:     "added",
		},
		Reminders: ReminderConfig{
			DefaultOffsets: []int{1, 3, 7},
			AtomicReplace:  false,
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		WebSocket: WebSocketConfig{
			PollInterval: Duration(time.Second),
			MaxEntries:   100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	REMINDQ_PORT            sets server.port
//	REMINDQ_REDIS_URL       sets store.redis_url
//	REMINDQ_STORE_BACKEND   sets store.backend
//	REMINDQ_DATA_DIR        sets server.data_dir and store.data_dir
//	REMINDQ_LOG_LEVEL       sets logging.level
//	REMINDQ_ATOMIC_REPLACE  sets reminders.atomic_replace ("true"/"false")
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REMINDQ_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("REMINDQ_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("REMINDQ_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = Backend(strings.ToLower(v))
	}
	if v := os.Getenv("REMINDQ_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("REMINDQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMINDQ_ATOMIC_REPLACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Reminders.AtomicReplace = b
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	case BackendLocal:
		if c.Store.DataDir == "" {
			return errors.New("store.data_dir is required for the local backend")
		}
	case BackendMemory:
	default:
		return errors.New(`store.backend must be one of "redis", "local", "memory"`)
	}
	if c.Store.OpTimeout <= 0 {
		return errors.New("store.op_timeout must be positive")
	}
	if c.Store.CompactionInterval < 0 {
		return errors.New("store.compaction_interval must not be negative")
	}
	if c.Queues.Reminders == "" || c.Queues.Added == "" {
		return errors.New("queues.reminders and queues.added must not be empty")
	}
	if c.Queues.Reminders == c.Queues.Added {
		return errors.New("queues.reminders and queues.added must differ")
	}
	for _, d := range c.Reminders.DefaultOffsets {
		if d <= 0 || d > clock.MaxOffsetDays {
			return fmt.Errorf("reminders.default_offsets must be within 1..%d, got %d", clock.MaxOffsetDays, d)
		}
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.rps must be > 0 and rate_limit.burst >= 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.WebSocket.PollInterval <= 0 || c.WebSocket.MaxEntries < 1 {
		return errors.New("websocket.poll_interval must be positive and websocket.max_entries >= 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`logging.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}
