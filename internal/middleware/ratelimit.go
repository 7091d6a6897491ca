package middleware

import (
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

// RateLimiter is a process-wide token bucket in front of the proxy.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  observability.Logger
}

// RateLimiterOption is a functional option for configuring the rate limiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger sets the logger for the rate limiter.
func WithRateLimiterLogger(logger observability.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(rps, burst int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether a request may proceed now.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Update changes the rate and burst in place.
func (rl *RateLimiter) Update(rps, burst int) {
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
	rl.logger.Info("rate limit updated",
		observability.Int("requests_per_second", rps),
		observability.Int("burst", burst),
	)
}

// RateLimit returns a middleware that applies rate limiting.
func RateLimit(rl *RateLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow() {
				rl.logger.Warn("rate limit exceeded",
					observability.String("remote_addr", r.RemoteAddr),
					observability.String("path", r.URL.Path),
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"error":"rate_limited","message":"rate limit exceeded"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitFromConfig creates the rate limit middleware. It returns nil
// middleware and limiter when rate limiting is disabled.
func RateLimitFromConfig(cfg config.RateLimitConfig, logger observability.Logger) (Middleware, *RateLimiter) {
	if !cfg.Enabled {
		return nil, nil
	}
	rl := NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, WithRateLimiterLogger(logger))
	return RateLimit(rl), rl
}
