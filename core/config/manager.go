package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/coedit/core/conflict"
)

const envPrefix = "COEDIT_"

// Manager owns the live configuration. Readers call Get; Load and Reload
// swap in a new value atomically and notify OnChange watchers.
type Manager struct {
	config    atomic.Pointer[Config]
	paths     []string
	overrides *Config
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	logger    *slog.Logger
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Events   EventsConfig   `yaml:"events"`
	Document DocumentConfig `yaml:"document"`
	Conflict ConflictConfig `yaml:"conflict"`
	Presence PresenceConfig `yaml:"presence"`
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type DocumentConfig struct {
	MaxHistory      int           `yaml:"max_history"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CacheMaxCost    int64         `yaml:"cache_max_cost"`
}

type ConflictConfig struct {
	AutoResolve            bool           `yaml:"auto_resolve"`
	AutoResolveDelay       time.Duration  `yaml:"auto_resolve_delay"`
	MaxAutoResolveAttempts int            `yaml:"max_auto_resolve_attempts"`
	DefaultStrategy        string         `yaml:"default_strategy"`
	UserPriorities         map[string]int `yaml:"user_priorities"`
	ArchiveSize            int            `yaml:"archive_size"`
	MonitorWindow          int            `yaml:"monitor_window"`
	WordBoundaryRule       bool           `yaml:"word_boundary_rule"`
}

type PresenceConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
	UserActivityLimit     int           `yaml:"user_activity_limit"`
	DocumentActivityLimit int           `yaml:"document_activity_limit"`
}

type HTTPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	StreamBuffer int    `yaml:"stream_buffer"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	QueueSize  int      `yaml:"queue_size"`
	Workers    int      `yaml:"workers"`
	MaxRetries int      `yaml:"max_retries"`
}

// NewManager creates a manager that layers the given yaml files, in order,
// over the defaults. Missing files are skipped.
func NewManager(logger *slog.Logger, paths ...string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		paths:  paths,
		logger: logger,
	}
	m.config.Store(DefaultConfig())
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Events: EventsConfig{
			BufferSize: 1024,
		},
		Document: DocumentConfig{
			MaxHistory:      1000,
			IdleTimeout:     30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			CacheMaxCost:    64 << 20,
		},
		Conflict: ConflictConfig{
			AutoResolve:            true,
			AutoResolveDelay:       100 * time.Millisecond,
			MaxAutoResolveAttempts: 3,
			DefaultStrategy:        conflict.StrategyLastWriterWins,
			UserPriorities:         map[string]int{},
			ArchiveSize:            1024,
			MonitorWindow:          64,
			WordBoundaryRule:       true,
		},
		Presence: PresenceConfig{
			Timeout:               5 * time.Minute,
			CleanupInterval:       time.Minute,
			UserActivityLimit:     50,
			DocumentActivityLimit: 100,
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			Addr:         ":8080",
			StreamBuffer: 64,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "coedit:presence",
			TTL:    5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			Topic:      "coedit.changes",
			QueueSize:  1024,
			Workers:    2,
			MaxRetries: 3,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive")
	}
	if c.Document.MaxHistory <= 0 {
		return fmt.Errorf("document.max_history must be positive")
	}
	if c.Conflict.MaxAutoResolveAttempts <= 0 {
		return fmt.Errorf("conflict.max_auto_resolve_attempts must be positive")
	}
	if c.Presence.Timeout <= 0 || c.Presence.CleanupInterval <= 0 {
		return fmt.Errorf("presence timeout and cleanup_interval must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (m *Manager) Get() *Config {
	return m.config.Load()
}

// SetOverrides registers values merged over files and environment on every
// load. Zero fields are ignored.
func (m *Manager) SetOverrides(o *Config) {
	m.overrides = o
}

func (m *Manager) Load() error {
	cfg := DefaultConfig()

	for _, path := range m.paths {
		if err := loadYAMLFile(path, cfg); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnvironment(cfg)

	if m.overrides != nil {
		DeepMerge(cfg, m.overrides)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(envPrefix + "EVENTS_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Events.BufferSize = n
		}
	}
	if v := os.Getenv(envPrefix + "DOCUMENT_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Document.MaxHistory = n
		}
	}
	if v := os.Getenv(envPrefix + "CONFLICT_AUTO_RESOLVE"); v != "" {
		cfg.Conflict.AutoResolve = strings.ToLower(v) == "true"
	}
	if v := os.Getenv(envPrefix + "CONFLICT_DEFAULT_STRATEGY"); v != "" {
		cfg.Conflict.DefaultStrategy = v
	}
	if v := os.Getenv(envPrefix + "PRESENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Presence.Timeout = d
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(envPrefix + "REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv(envPrefix + "KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}
