package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tutorhq/retention/pkg/metrics"
)

// RetryPolicy bounds the retry loop for a transient operation.
type RetryPolicy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // delay before the second try
	MaxDelay  time.Duration // cap on the backoff
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
	}
}

// Retry runs fn up to p.Attempts times with exponential backoff and
// full jitter between tries. It returns nil as soon as fn succeeds, the
// context error if ctx ends first, and the last fn error otherwise. The
// operation name labels retry metrics.
func Retry(ctx context.Context, p RetryPolicy, operation string, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			metrics.RecordRetryAttempt(operation)
			jittered := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			delay *= 2
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, p.Attempts, lastErr)
}
