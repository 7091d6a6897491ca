package audit

import (
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

const (
	// DefaultBufferSize is the number of transitions queued per sink.
	DefaultBufferSize = 256

	// DefaultDrainTimeout bounds how long Close waits for queued
	// transitions to be written.
	DefaultDrainTimeout = 5 * time.Second
)

var (
	// ErrSinkClosed is returned by Close when the sink was already closed.
	ErrSinkClosed = errors.New("audit sink closed")

	// ErrDrainTimeout is returned by Close when queued transitions could not
	// be written before the drain timeout.
	ErrDrainTimeout = errors.New("audit sink drain timed out")
)

// Option configures a sink.
type Option func(*options)

type options struct {
	logger       observability.Logger
	metrics      *observability.Metrics
	bufferSize   int
	drainTimeout time.Duration
}

// WithLogger sets the sink logger.
func WithLogger(l observability.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics used to count dropped transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithBufferSize sets the queue length.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithDrainTimeout sets how long Close waits for the queue to drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger:       observability.NopLogger(),
		bufferSize:   DefaultBufferSize,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// queue hands transitions from the controller to a single writer goroutine.
// push never blocks: a full queue drops the transition and counts it.
type queue struct {
	logger       observability.Logger
	metrics      *observability.Metrics
	drainTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan routing.Transition
	done   chan struct{}
}

func newQueue(o options) *queue {
	return &queue{
		logger:       o.logger,
		metrics:      o.metrics,
		drainTimeout: o.drainTimeout,
		ch:           make(chan routing.Transition, o.bufferSize),
		done:         make(chan struct{}),
	}
}

// start runs write for every queued transition until the queue is closed.
func (q *queue) start(write func(routing.Transition)) {
	go func() {
		defer close(q.done)
		for t := range q.ch {
			write(t)
		}
	}()
}

func (q *queue) push(t routing.Transition) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- t:
	default:
		q.metrics.RecordTransitionDropped()
		q.logger.Warn("audit queue full, transition dropped",
			observability.String("from", t.From.String()),
			observability.String("to", t.To.String()),
		)
	}
}

// close stops accepting transitions and waits for the writer to drain what
// is queued.
func (q *queue) close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSinkClosed
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	timer := time.NewTimer(q.drainTimeout)
	defer timer.Stop()
	select {
	case <-q.done:
		return nil
	case <-timer.C:
		q.logger.Warn("audit queue not drained before timeout",
			observability.Int("pending", len(q.ch)),
			observability.Duration("timeout", q.drainTimeout),
		)
		return ErrDrainTimeout
	}
}
