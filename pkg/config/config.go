// Package config provides configuration loading for the flow state engine
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every knob a config file may leave unset.
const (
	DefaultDSN            = "memory://"
	DefaultLiveTTL        = "5m"
	DefaultCheckpointTTL  = "30m"
	DefaultKeepVersions   = 20
	DefaultLogLevel       = "info"
	DefaultEventBusDriver = "gochannel"
	DefaultRecoveryPolicy = "reset"
)

var supportedStoreDrivers = []string{"postgres", "sqlite", "file", "memory"}

// Config is the engine configuration, usually loaded from flowstate.yaml.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Codec     CodecConfig     `yaml:"codec"`
	Retention RetentionConfig `yaml:"retention"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	LogLevel  string          `yaml:"log_level"`
}

// StoreConfig selects the backend by DSN scheme: postgres://, sqlite://,
// file://, or memory://.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// Driver derives the backend from the DSN scheme. A DSN without a scheme is
// treated as a file path.
func (c StoreConfig) Driver() string {
	scheme, _, found := strings.Cut(c.DSN, "://")
	if !found || scheme == "" {
		return "file"
	}

	if scheme == "postgresql" {
		return "postgres"
	}

	return scheme
}

// CacheConfig configures the Redis read-through layer. TTLs are duration
// strings like "5m".
type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	LiveTTL       string `yaml:"live_ttl"`
	CheckpointTTL string `yaml:"checkpoint_ttl"`
}

// TTLs parses the configured duration strings.
func (c CacheConfig) TTLs() (live, checkpoint time.Duration, err error) {
	live, err = time.ParseDuration(c.LiveTTL)
	if err != nil {
		return 0, 0, fmt.Errorf("parse live_ttl %q: %w", c.LiveTTL, err)
	}

	checkpoint, err = time.ParseDuration(c.CheckpointTTL)
	if err != nil {
		return 0, 0, fmt.Errorf("parse checkpoint_ttl %q: %w", c.CheckpointTTL, err)
	}

	return live, checkpoint, nil
}

// CodecConfig configures state encoding. EncryptionKey is 64 hex characters;
// Passphrase is an alternative that derives the key. MaxStateSize of zero
// keeps the engine default.
type CodecConfig struct {
	EncryptionKey   string   `yaml:"encryption_key"`
	Passphrase      string   `yaml:"passphrase"`
	SensitiveFields []string `yaml:"sensitive_fields"`
	Compression     bool     `yaml:"compression"`
	MaxStateSize    int      `yaml:"max_state_size"`
}

// RetentionConfig bounds stored history. Zero checkpoint and archive bounds
// keep the engine defaults.
type RetentionConfig struct {
	Checkpoints  int `yaml:"checkpoints"`
	Archives     int `yaml:"archives"`
	KeepVersions int `yaml:"keep_versions"`
}

// RecoveryConfig selects what happens when repair fails: "reset" or
// "escalate".
type RecoveryConfig struct {
	Policy string `yaml:"policy"`
}

// EventBusConfig selects the lifecycle event transport: "gochannel" (in
// process), "kafka", or "none".
type EventBusConfig struct {
	Driver  string   `yaml:"driver"`
	Brokers []string `yaml:"brokers"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{DSN: DefaultDSN},
		Cache: CacheConfig{
			LiveTTL:       DefaultLiveTTL,
			CheckpointTTL: DefaultCheckpointTTL,
		},
		Retention: RetentionConfig{KeepVersions: DefaultKeepVersions},
		Recovery:  RecoveryConfig{Policy: DefaultRecoveryPolicy},
		EventBus:  EventBusConfig{Driver: DefaultEventBusDriver},
		LogLevel:  DefaultLogLevel,
	}
}

// Load reads a YAML config file, overlays FLOWSTATE_* environment variables,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.fillEmpty()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads path when it names an existing file and falls back to
// the defaults plus environment overrides otherwise. Parse and validation
// errors still surface.
func LoadOrDefault(path string) (Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// fillEmpty restores defaults for fields a config file set to empty strings.
func (c *Config) fillEmpty() {
	if c.Store.DSN == "" {
		c.Store.DSN = DefaultDSN
	}

	if c.Cache.LiveTTL == "" {
		c.Cache.LiveTTL = DefaultLiveTTL
	}

	if c.Cache.CheckpointTTL == "" {
		c.Cache.CheckpointTTL = DefaultCheckpointTTL
	}

	if c.Recovery.Policy == "" {
		c.Recovery.Policy = DefaultRecoveryPolicy
	}

	if c.EventBus.Driver == "" {
		c.EventBus.Driver = DefaultEventBusDriver
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Retention.KeepVersions == 0 {
		c.Retention.KeepVersions = DefaultKeepVersions
	}
}

// ApplyEnv overlays FLOWSTATE_* environment variables. Environment always
// wins over the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FLOWSTATE_DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}

	if v := os.Getenv("FLOWSTATE_CACHE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Cache.Enabled = enabled
		}
	}

	if v := os.Getenv("FLOWSTATE_CACHE_ADDR"); v != "" {
		c.Cache.Addr = v
	}

	if v := os.Getenv("FLOWSTATE_CACHE_PASSWORD"); v != "" {
		c.Cache.Password = v
	}

	if v := os.Getenv("FLOWSTATE_ENCRYPTION_KEY"); v != "" {
		c.Codec.EncryptionKey = v
	}

	if v := os.Getenv("FLOWSTATE_PASSPHRASE"); v != "" {
		c.Codec.Passphrase = v
	}

	if v := os.Getenv("FLOWSTATE_SENSITIVE_FIELDS"); v != "" {
		c.Codec.SensitiveFields = splitList(v)
	}

	if v := os.Getenv("FLOWSTATE_RECOVERY_POLICY"); v != "" {
		c.Recovery.Policy = v
	}

	if v := os.Getenv("FLOWSTATE_EVENT_BUS"); v != "" {
		c.EventBus.Driver = v
	}

	if v := os.Getenv("FLOWSTATE_KAFKA_BROKERS"); v != "" {
		c.EventBus.Brokers = splitList(v)
	}

	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}

	driver := c.Store.Driver()
	if !supportedDriver(driver) {
		return fmt.Errorf("unsupported store driver %q in dsn %q", driver, c.Store.DSN)
	}

	if _, _, err := c.Cache.TTLs(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache enabled without redis addr")
	}

	if len(c.Codec.SensitiveFields) > 0 && c.Codec.EncryptionKey == "" && c.Codec.Passphrase == "" {
		return fmt.Errorf("sensitive fields configured without encryption key or passphrase")
	}

	if c.Codec.MaxStateSize < 0 {
		return fmt.Errorf("max_state_size must not be negative")
	}

	switch c.Recovery.Policy {
	case "reset", "escalate":
	default:
		return fmt.Errorf("unknown recovery policy %q", c.Recovery.Policy)
	}

	switch c.EventBus.Driver {
	case "none", "gochannel":
	case "kafka":
		if len(c.EventBus.Brokers) == 0 {
			return fmt.Errorf("kafka event bus configured without brokers")
		}
	default:
		return fmt.Errorf("unknown event bus driver %q", c.EventBus.Driver)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	if c.Retention.Checkpoints < 0 || c.Retention.Archives < 0 || c.Retention.KeepVersions < 0 {
		return fmt.Errorf("retention bounds must not be negative")
	}

	return nil
}

func supportedDriver(driver string) bool {
	for _, supported := range supportedStoreDrivers {
		if driver == supported {
			return true
		}
	}

	return false
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")

	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
