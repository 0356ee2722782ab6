// Package reliability wraps dependency calls (KMS, storage) with bounded
// exponential backoff. Only errors the caller classifies as retryable are
// retried; everything else fails immediately.
package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds the retry behaviour for a dependency call.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultConfig returns the retry bounds used for KMS and storage calls.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// Retry executes op with exponential backoff until it succeeds, the context
// is cancelled, or the elapsed budget is spent. isRetryable decides which
// errors are worth another attempt; non-retryable errors are returned as-is
// on the first failure.
func Retry(ctx context.Context, cfg Config, isRetryable func(error) bool, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.MaxElapsedTime > 0 {
		b.MaxElapsedTime = cfg.MaxElapsedTime
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(b, ctx))
}
