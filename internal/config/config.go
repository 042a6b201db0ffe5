// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Load(ctx) layers defaults, optional YAML file, and env vars.
// - External errors must be wrapped via this package's error helpers.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the ops HTTP listen address, e.g. ":9090".
	Addr string `koanf:"addr"`

	// RedisAddr points at the Redis instance backing the event bus.
	// Empty selects the in-memory bus (tests and local runs).
	RedisAddr string `koanf:"redis_addr"`

	// PostgresDSN points at the relational store. Empty selects the
	// in-memory store (tests and local runs).
	PostgresDSN string `koanf:"postgres_dsn"`

	// ConsumerGroup names the consumer group shared by all workers.
	ConsumerGroup string `koanf:"consumer_group"`

	// ConsumerName identifies this process within the group.
	ConsumerName string `koanf:"consumer_name"`

	// WorkerCount sets the number of session-event consumers.
	WorkerCount int `koanf:"worker_count"`

	// ConsumeBatchSize caps messages fetched per poll.
	ConsumeBatchSize int `koanf:"consume_batch_size"`

	// BlockTimeout bounds how long one consume poll may block.
	BlockTimeout time.Duration `koanf:"block_timeout"`

	// VisibilityTimeout is the idle time after which an unacked message
	// is reclaimed for redelivery.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`

	// MaxDeliveries routes a message to the dead-letter stream after
	// this many failed deliveries.
	MaxDeliveries int `koanf:"max_deliveries"`

	// DebounceInterval coalesces per-tutor recomputation triggers.
	DebounceInterval time.Duration `koanf:"debounce_interval"`

	// SweepInterval is the cadence of the safety-net full recomputation.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// RetryAttempts bounds supervisor retries per operation.
	RetryAttempts int `koanf:"retry_attempts"`

	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`

	// RetryMaxDelay caps a single backoff sleep.
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`

	// ShutdownGrace bounds the debounce flush on shutdown.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`

	// CoachingTipCooldown rate-limits automated coaching interventions
	// per tutor.
	CoachingTipCooldown time.Duration `koanf:"coaching_tip_cooldown"`

	// SLAOverrides replaces the built-in SLA deadline per intervention
	// type, keyed by type name.
	SLAOverrides map[string]time.Duration `koanf:"sla_overrides"`

	// ModelVersion tags every persisted risk score.
	ModelVersion string `koanf:"model_version"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		Addr:                ":9090",
		RedisAddr:           "",
		PostgresDSN:         "",
		ConsumerGroup:       "retention-core",
		ConsumerName:        "",
		WorkerCount:         runtime.NumCPU() * 2,
		ConsumeBatchSize:    64,
		BlockTimeout:        5 * time.Second,
		VisibilityTimeout:   time.Minute,
		MaxDeliveries:       5,
		DebounceInterval:    30 * time.Second,
		SweepInterval:       15 * time.Minute,
		RetryAttempts:       3,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       30 * time.Second,
		ShutdownGrace:       20 * time.Second,
		CoachingTipCooldown: 7 * 24 * time.Hour,
		ModelVersion:        "churn-model-v1",
	}
}
