// Package config holds process-level configuration for the memory subsystem:
// where data lives, which backends form the fallback chain, and the timeouts
// and limits of the trigger and recall pipelines.
//
// Values come from, in increasing precedence: built-in defaults, the config
// file (pmf.config.yaml), a .env file, and PMF_* environment variables.
// Per-trigger-type policy lives in its own YAML file (policy_file).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the PMF_ prefix
// (e.g. "fallback_chain" → PMF_FALLBACK_CHAIN) and to a YAML field in
// pmf.config.yaml.
const (
	KeyEnabled             = "enabled"
	KeyDataDir             = "data_dir"
	KeyFallbackChain       = "fallback_chain"
	KeySQLiteDriver        = "sqlite_driver"
	KeyRedisAddr           = "redis_addr"
	KeyBreakerThreshold    = "circuit_breaker_threshold"
	KeyBreakerRecovery     = "circuit_breaker_recovery"
	KeyCreateTimeout       = "create_timeout"
	KeyRecallTimeout       = "recall_timeout"
	KeyHealthCheckTimeout  = "health_check_timeout"
	KeyDetectionTimeout    = "detection_timeout"
	KeyBatchSize           = "batch_size"
	KeyBatchPollInterval   = "batch_poll_interval"
	KeyDedupWindow         = "dedup_window"
	KeyPolicyFile          = "policy_file"
	KeyGlobalRatePerSecond = "global_rate_per_second"
	KeyRecallLimit         = "recall_limit"
	KeyRetentionDays       = "retention_days"
	KeyMaintenanceSchedule = "maintenance_schedule"
	KeyLogFile             = "log_file"
	KeyHTTPAddr            = "http_addr"
	KeyWebhooks            = "hook_webhooks"
	KeyAPIKeys             = "api_keys"
)

// Backend names accepted in the fallback chain.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Defaults.
const (
	DefaultSQLiteDriver        = "sqlite"
	DefaultBreakerThreshold    = 5
	DefaultBreakerRecovery     = 60 * time.Second
	DefaultCreateTimeout       = 30 * time.Second
	DefaultRecallTimeout       = 5 * time.Second
	DefaultHealthCheckTimeout  = 2 * time.Second
	DefaultDetectionTimeout    = 10 * time.Second
	DefaultBatchSize           = 10
	DefaultBatchPollInterval   = time.Second
	DefaultDedupWindow         = 5 * time.Minute
	DefaultRecallLimit         = 20
	DefaultRetentionDays       = 90
	DefaultMaintenanceSchedule = "*/15 * * * *"
	DefaultHTTPAddr            = "127.0.0.1:8089"
)

// DefaultFallbackChain is SQLite first with the in-process store as the
// last resort.
var DefaultFallbackChain = []string{BackendSQLite, BackendMemory}

// Webhook is a listener notified after hooks fire.
type Webhook struct {
	URL string `mapstructure:"url"`
	On  string `mapstructure:"on"`
}

// Config is the resolved configuration.
type Config struct {
	Enabled             bool
	DataDir             string
	FallbackChain       []string
	SQLiteDriver        string
	RedisAddr           string
	BreakerThreshold    int
	BreakerRecovery     time.Duration
	CreateTimeout       time.Duration
	RecallTimeout       time.Duration
	HealthCheckTimeout  time.Duration
	DetectionTimeout    time.Duration // bound on backend detection at startup
	BatchSize           int
	BatchPollInterval   time.Duration
	DedupWindow         time.Duration
	PolicyFile          string
	GlobalRatePerSecond float64
	RecallLimit         int
	RetentionDays       int // 0 disables retention
	MaintenanceSchedule string
	LogFile             string
	HTTPAddr            string
	APIKeys             []string // empty leaves the HTTP API open
	Webhooks            []Webhook
}

// MemoryDBPath returns the SQLite database path.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// UsesBackend reports whether name is in the fallback chain.
func (c *Config) UsesBackend(name string) bool {
	for _, b := range c.FallbackChain {
		if b == name {
			return true
		}
	}
	return false
}

func init() {
	viper.SetEnvPrefix("PMF")
	viper.AutomaticEnv()
	SetDefaults(viper.GetViper())
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEnabled, true)
	v.SetDefault(KeyFallbackChain, DefaultFallbackChain)
	v.SetDefault(KeySQLiteDriver, DefaultSQLiteDriver)
	v.SetDefault(KeyBreakerThreshold, DefaultBreakerThreshold)
	v.SetDefault(KeyBreakerRecovery, DefaultBreakerRecovery)
	v.SetDefault(KeyCreateTimeout, DefaultCreateTimeout)
	v.SetDefault(KeyRecallTimeout, DefaultRecallTimeout)
	v.SetDefault(KeyHealthCheckTimeout, DefaultHealthCheckTimeout)
	v.SetDefault(KeyDetectionTimeout, DefaultDetectionTimeout)
	v.SetDefault(KeyBatchSize, DefaultBatchSize)
	v.SetDefault(KeyBatchPollInterval, DefaultBatchPollInterval)
	v.SetDefault(KeyDedupWindow, DefaultDedupWindow)
	v.SetDefault(KeyRecallLimit, DefaultRecallLimit)
	v.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	v.SetDefault(KeyMaintenanceSchedule, DefaultMaintenanceSchedule)
	v.SetDefault(KeyHTTPAddr, DefaultHTTPAddr)
}

// LoadDotEnv loads environment variables from the given .env files (default
// ./.env). Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and returns a validated Config.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Enabled:             v.GetBool(KeyEnabled),
		DataDir:             resolveDataDir(v),
		FallbackChain:       splitList(v.GetStringSlice(KeyFallbackChain)),
		SQLiteDriver:        v.GetString(KeySQLiteDriver),
		RedisAddr:           v.GetString(KeyRedisAddr),
		BreakerThreshold:    v.GetInt(KeyBreakerThreshold),
		BreakerRecovery:     v.GetDuration(KeyBreakerRecovery),
		CreateTimeout:       v.GetDuration(KeyCreateTimeout),
		RecallTimeout:       v.GetDuration(KeyRecallTimeout),
		HealthCheckTimeout:  v.GetDuration(KeyHealthCheckTimeout),
		DetectionTimeout:    v.GetDuration(KeyDetectionTimeout),
		BatchSize:           v.GetInt(KeyBatchSize),
		BatchPollInterval:   v.GetDuration(KeyBatchPollInterval),
		DedupWindow:         v.GetDuration(KeyDedupWindow),
		PolicyFile:          v.GetString(KeyPolicyFile),
		GlobalRatePerSecond: v.GetFloat64(KeyGlobalRatePerSecond),
		RecallLimit:         v.GetInt(KeyRecallLimit),
		RetentionDays:       v.GetInt(KeyRetentionDays),
		MaintenanceSchedule: v.GetString(KeyMaintenanceSchedule),
		LogFile:             v.GetString(KeyLogFile),
		HTTPAddr:            v.GetString(KeyHTTPAddr),
		APIKeys:             splitList(v.GetStringSlice(KeyAPIKeys)),
	}
	if err := v.UnmarshalKey(KeyWebhooks, &cfg.Webhooks); err != nil {
		return nil, fmt.Errorf("invalid configuration: %s: %w", KeyWebhooks, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pmf"
	}
	return filepath.Join(home, ".pmf")
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if len(c.FallbackChain) == 0 {
		return fmt.Errorf("%s must name at least one backend", KeyFallbackChain)
	}
	seen := make(map[string]bool, len(c.FallbackChain))
	for _, b := range c.FallbackChain {
		switch b {
		case BackendSQLite, BackendMemory, BackendRedis:
		default:
			return fmt.Errorf("%s: unknown backend %q (want sqlite, memory or redis)", KeyFallbackChain, b)
		}
		if seen[b] {
			return fmt.Errorf("%s: backend %q listed twice", KeyFallbackChain, b)
		}
		seen[b] = true
	}
	if seen[BackendRedis] && c.RedisAddr == "" {
		return fmt.Errorf("%s is required when redis is in the fallback chain", KeyRedisAddr)
	}
	switch c.SQLiteDriver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("%s must be sqlite or sqlite3, got %q", KeySQLiteDriver, c.SQLiteDriver)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("%s must be positive", KeyBreakerThreshold)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyBatchSize)
	}
	if c.RecallLimit <= 0 {
		return fmt.Errorf("%s must be positive", KeyRecallLimit)
	}
	for key, d := range map[string]time.Duration{
		KeyBreakerRecovery:    c.BreakerRecovery,
		KeyCreateTimeout:      c.CreateTimeout,
		KeyRecallTimeout:      c.RecallTimeout,
		KeyHealthCheckTimeout: c.HealthCheckTimeout,
		KeyDetectionTimeout:   c.DetectionTimeout,
		KeyBatchPollInterval:  c.BatchPollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}
	if c.DedupWindow < 0 {
		return fmt.Errorf("%s must not be negative", KeyDedupWindow)
	}
	if c.GlobalRatePerSecond < 0 {
		return fmt.Errorf("%s must not be negative", KeyGlobalRatePerSecond)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%s must not be negative", KeyRetentionDays)
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("%s[%d]: url is required", KeyWebhooks, i)
		}
	}
	return nil
}
