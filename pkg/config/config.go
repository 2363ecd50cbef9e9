package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/genroute/pkg/models"
)

// Config holds all genroute configuration.
type Config struct {
	Listen        string               `yaml:"listen"`
	APIToken      string               `yaml:"api_token"`
	DBPath        string               `yaml:"db_path"`
	LockPath      string               `yaml:"lock_path"`
	EmergencyMode bool                 `yaml:"emergency_mode"`
	Log           LogConfig            `yaml:"log"`
	Tiers         []models.TierConfig  `yaml:"tiers"`
	Accounts      []models.AccountSpec `yaml:"accounts"`
	Router        RouterConfig         `yaml:"router"`
	Budget        BudgetConfig         `yaml:"budget"`
	Health        HealthConfig         `yaml:"health"`
	Cache         CacheConfig          `yaml:"cache"`
	Audit         models.AuditConfig   `yaml:"audit"`
	Alerts        AlertsConfig         `yaml:"alerts"`
	Planner       PlannerConfig        `yaml:"planner"`
	Emergency     EmergencyConfig      `yaml:"emergency"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IdempotencyMode selects what happens to a duplicate in-flight key.
type IdempotencyMode string

const (
	IdempotencyJoin   IdempotencyMode = "join"
	IdempotencyReject IdempotencyMode = "reject"
)

// RouterConfig bounds retries, failover and timeouts.
type RouterConfig struct {
	MaxRetries      int             `yaml:"max_retries"`
	MaxFailover     int             `yaml:"max_failover"`
	BaseBackoff     time.Duration   `yaml:"base_backoff"`
	MaxBackoff      time.Duration   `yaml:"max_backoff"`
	DispatchTimeout time.Duration   `yaml:"dispatch_timeout"`
	Idempotency     IdempotencyMode `yaml:"idempotency"`
}

// BudgetConfig controls credit thresholds and balance polling.
type BudgetConfig struct {
	Warning          int64         `yaml:"warning_threshold"`
	Critical         int64         `yaml:"critical_threshold"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	AnomalyTolerance int64         `yaml:"anomaly_tolerance"`
}

// HealthConfig controls the probe loop.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
}

// CacheConfig controls the outcome replay cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// AlertsConfig selects where threshold events are delivered.
type AlertsConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	AMQPURL        string        `yaml:"amqp_url"`
	AMQPExchange   string        `yaml:"amqp_exchange"`
	QueueSize      int           `yaml:"queue_size"`
}

// PlannerConfig is the default daily production target.
type PlannerConfig struct {
	PerDay      int                           `yaml:"per_day"`
	Slots       int                           `yaml:"slots"`
	Concurrency int                           `yaml:"concurrency"`
	Ratios      map[models.Capability]float64 `yaml:"ratios"`
	Platforms   []models.Platform             `yaml:"platforms"`
}

// EmergencyConfig controls automatic emergency mode.
type EmergencyConfig struct {
	AutoOnCritical bool `yaml:"auto_on_critical"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8090",
		DBPath:   "genroute.db",
		LockPath: "genroute.lock",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tiers: models.DefaultTiers(),
		Router: RouterConfig{
			MaxRetries:      2,
			MaxFailover:     3,
			BaseBackoff:     500 * time.Millisecond,
			MaxBackoff:      10 * time.Second,
			DispatchTimeout: 2 * time.Minute,
			Idempotency:     IdempotencyJoin,
		},
		Budget: BudgetConfig{
			Warning:          5000,
			Critical:         1000,
			PollInterval:     300 * time.Second,
			SnapshotInterval: time.Minute,
		},
		Health: HealthConfig{
			Interval:         300 * time.Second,
			ProbeTimeout:     10 * time.Second,
			LatencyThreshold: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Audit: models.AuditConfig{
			RetentionDays: 14,
			MaxMessage:    2048,
		},
		Alerts: AlertsConfig{
			WebhookTimeout: 10 * time.Second,
			AMQPExchange:   "genroute.events",
			QueueSize:      64,
		},
		Planner: PlannerConfig{
			PerDay:      96,
			Slots:       24,
			Concurrency: 4,
		},
	}
}

// DefaultRatios is the 12.5/25/62.5 premium/standard/volume split.
func DefaultRatios() map[models.Capability]float64 {
	return map[models.Capability]float64{
		models.CapabilityPremium:  0.125,
		models.CapabilityStandard: 0.25,
		models.CapabilityVolume:   0.625,
	}
}

// Load reads a YAML config file and expands environment variables.
// A .env file next to the config is loaded first when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// yaml.v3 merges into a pre-filled map, so ratio defaults are applied afterwards.
	if len(cfg.Planner.Ratios) == 0 {
		cfg.Planner.Ratios = DefaultRatios()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
