package backend

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/kvgate/internal/observability"
)

var breakerTracer = otel.Tracer("kvgate/backend")

// BreakerStateFunc is called after a breaker changes state. state is
// 0=closed, 1=half-open, 2=open. It runs on its own goroutine.
type BreakerStateFunc func(backend string, state int)

// Breaker tracks forwarding failures for one backend. While open it acts as
// an emergency pressure signal for routing; it never rejects requests itself.
type Breaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	logger   observability.Logger
	onChange BreakerStateFunc
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the breaker logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithBreakerStateCallback sets the state change callback.
func WithBreakerStateCallback(fn BreakerStateFunc) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after openTimeout.
func NewBreaker(backend string, threshold int, openTimeout time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}

	limit := uint32(1)
	if threshold > 0 {
		limit = uint32(threshold) //nolint:gosec // validated positive
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        backend,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: b.stateChanged,
	})
	return b
}

// stateChanged runs under the gobreaker lock, so anything that may read the
// breaker state again is dispatched asynchronously.
func (b *Breaker) stateChanged(name string, from, to gobreaker.State) {
	b.logger.Warn("backend error breaker state change",
		observability.String("backend", name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	_, span := breakerTracer.Start(context.Background(), "backend.breaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("backend.id", name),
		attribute.String("breaker.from", from.String()),
		attribute.String("breaker.to", to.String()),
	))
	span.End()

	if b.onChange != nil {
		go b.onChange(name, int(to))
	}
}

// Begin marks the start of a forwarded request. The returned function must
// be called exactly once with the request's success. Requests arriving while
// the breaker rejects trials are not counted.
func (b *Breaker) Begin() func(success bool) {
	if b == nil {
		return func(bool) {}
	}
	done, err := b.cb.Allow()
	if err != nil {
		return func(bool) {}
	}
	return done
}

// Open reports whether the breaker is open.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
