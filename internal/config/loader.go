package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):.
//  1. defaults (New())
//  2. file (YAML) if RETENTION_CONFIG is set
//  3. env (prefix RETENTION_)
func Load(ctx context.Context) (*Config, error) {
	_ = ctx

	base := New()

	k := koanf.New(".")

	// Load from file if provided
	if path := os.Getenv("RETENTION_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
		}
	}

	// Environment variables: RETENTION_ADDR, RETENTION_WORKER_COUNT, ...
	// Map env keys like RETENTION_WORKER_COUNT -> worker_count (flat keys)
	// Preserve underscores to match koanf tags on the struct.
	envProvider := env.Provider("RETENTION_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "retention_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	// Unmarshal into a copy
	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate performs basic sanity checks on loaded values.
func (c *Config) validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.WorkerCount < 1:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.ConsumeBatchSize < 1:
		return fmt.Errorf("%w: consume_batch_size must be positive", ErrInvalidConfig)
	case c.MaxDeliveries < 1:
		return fmt.Errorf("%w: max_deliveries must be positive", ErrInvalidConfig)
	case c.DebounceInterval <= 0:
		return fmt.Errorf("%w: debounce_interval must be positive", ErrInvalidConfig)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidConfig)
	case c.RetryAttempts < 1:
		return fmt.Errorf("%w: retry_attempts must be positive", ErrInvalidConfig)
	case c.ConsumerGroup == "":
		return fmt.Errorf("%w: consumer_group must not be empty", ErrInvalidConfig)
	case c.DebounceInterval >= c.VisibilityTimeout:
		// A debounce that outlives the visibility timeout redelivers
		// every coalescing message until it dead-letters.
		return fmt.Errorf("%w: debounce_interval must be shorter than visibility_timeout", ErrInvalidConfig)
	}
	return nil
}
