// Package admission caps the number of requests in flight to each backend.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

var (
	// ErrOverloaded is returned when a backend's concurrency ceiling is
	// reached and no slot frees up within the maximum wait.
	ErrOverloaded = errors.New("backend overloaded")

	// ErrUnknownBackend is returned for a backend the guard does not know.
	ErrUnknownBackend = errors.New("unknown backend")
)

type limit struct {
	backend *backend.Descriptor
	// sem is nil for backends without a ceiling.
	sem *semaphore.Weighted
}

// Guard hands out per-backend admission slots.
type Guard struct {
	limits  map[string]*limit
	maxWait time.Duration
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard logger.
func WithLogger(l observability.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// NewGuard creates a guard for every backend in registry, using each
// descriptor's MaxConcurrency as its ceiling. A ceiling of 0 means
// unlimited. maxWait bounds how long Reserve queues for a slot; 0 rejects
// immediately when the ceiling is reached.
func NewGuard(registry *backend.Registry, maxWait time.Duration, opts ...Option) *Guard {
	g := &Guard{
		limits:  make(map[string]*limit, registry.Len()),
		maxWait: maxWait,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, d := range registry.All() {
		l := &limit{backend: d}
		if d.MaxConcurrency > 0 {
			l.sem = semaphore.NewWeighted(int64(d.MaxConcurrency))
		}
		g.limits[d.ID] = l
	}
	return g
}

// Reserve acquires a slot for backend id. It returns ErrOverloaded when no
// slot frees up within the maximum wait, or the context error when ctx ends
// first. The returned slot must be released.
func (g *Guard) Reserve(ctx context.Context, id string) (*Slot, error) {
	l, ok := g.limits[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.sem != nil && !l.sem.TryAcquire(1) {
		if err := g.wait(ctx, l); err != nil {
			return nil, err
		}
	}

	n := l.backend.IncInFlight()
	g.metrics.SetInFlight(id, n)
	return &Slot{guard: g, limit: l}, nil
}

func (g *Guard) wait(ctx context.Context, l *limit) error {
	id := l.backend.ID
	if g.maxWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
		err := l.sem.Acquire(waitCtx, 1)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	g.metrics.RecordAdmissionRejection(id)
	g.logger.Warn("admission rejected",
		observability.String("backend", id),
		observability.Int("max_concurrency", l.backend.MaxConcurrency),
		observability.Int64("in_flight", l.backend.InFlight()),
		observability.Duration("max_wait", g.maxWait),
	)
	return fmt.Errorf("%w: %s at %d in-flight requests", ErrOverloaded, id, l.backend.MaxConcurrency)
}

// MaxWait returns the configured maximum queueing time.
func (g *Guard) MaxWait() time.Duration {
	return g.maxWait
}

// Slot is an acquired admission slot.
type Slot struct {
	guard *Guard
	limit *limit
	once  sync.Once
}

// Backend returns the id of the backend the slot belongs to.
func (s *Slot) Backend() string {
	return s.limit.backend.ID
}

// Release frees the slot. It is safe to call more than once.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		n := s.limit.backend.DecInFlight()
		s.guard.metrics.SetInFlight(s.limit.backend.ID, n)
		if s.limit.sem != nil {
			s.limit.sem.Release(1)
		}
	})
}
