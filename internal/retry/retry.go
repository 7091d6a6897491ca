// Package retry runs an operation again with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultJitterFactor   = 0.25
)

// Config contains retry configuration parameters. Zero fields use the
// defaults.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor adds up to this fraction of the backoff, in [0, 1].
	JitterFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	switch {
	case c.JitterFactor <= 0:
		c.JitterFactor = DefaultJitterFactor
	case c.JitterFactor > 1:
		c.JitterFactor = 1
	}
	return c
}

// ShouldRetryFunc reports whether err is worth another attempt. Context
// errors are never retried.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do calls fn until it succeeds, shouldRetry rejects the error, the retries
// are used up or ctx is done. It returns the last error.
func Do(
	ctx context.Context,
	cfg Config,
	fn func(context.Context) error,
	shouldRetry ShouldRetryFunc,
	onRetry OnRetryFunc,
) error {
	cfg = cfg.withDefaults()

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return err
		}

		backoff := Backoff(attempt, cfg)
		if onRetry != nil {
			onRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Backoff returns the wait before retry number attempt+1: the initial
// backoff doubled per attempt, plus jitter, capped at the maximum.
func Backoff(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * cfg.JitterFactor * rand.Float64()
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}
