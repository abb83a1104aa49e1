// Package retry runs an operation with bounded exponential backoff.
// It never retries indefinitely: MaxAttempts caps every call.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	// Jitter is the randomization factor in [0,1); zero makes delays deterministic
	Jitter float64
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialInterval:   200 * time.Millisecond,
		MaxInterval:       2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.BackoffMultiplier < 1.0 {
		c.BackoffMultiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	return c
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Notify is called before each wait with the failed attempt number and the delay
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a Permanent error, ctx ends, or the
// attempt budget is spent. It returns the number of attempts made and the last error.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, notify Notify) (int, error) {
	cfg = cfg.normalized()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Multiplier = cfg.BackoffMultiplier
	exp.RandomizationFactor = cfg.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return op(ctx)
	}, policy, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})
	return attempts, err
}
