package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

// maxMetricsBody bounds how much of a metrics response is read.
const maxMetricsBody = 4 << 20

// Failure stages reported in SampleError and metrics.
const (
	StageFetch   = "fetch"
	StageStatus  = "status"
	StageParse   = "parse"
	StageExtract = "extract"
)

// ErrUnexpectedStatus is returned for non-2xx metrics responses.
var ErrUnexpectedStatus = errors.New("unexpected metrics status")

// SampleError describes a failed poll.
type SampleError struct {
	Backend string
	Stage   string
	Cause   error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %s: %s: %v", e.Backend, e.Stage, e.Cause)
}

func (e *SampleError) Unwrap() error {
	return e.Cause
}

// Sample is the outcome of one poll, after it has been applied to the
// backend descriptor.
type Sample struct {
	Backend string
	At      time.Time
	Value   float64
	Err     error
	// HardFailed is the descriptor state after the sample was applied.
	HardFailed bool
}

// Observer is notified after every poll. It is called from the backend's
// sampling goroutine and must not block for long.
type Observer interface {
	Observe(Sample)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Sample)

// Observe implements Observer.
func (f ObserverFunc) Observe(s Sample) { f(s) }

// Target pairs a backend with the way its pressure is read.
type Target struct {
	Backend *backend.Descriptor
	Source  Source
}

// Config configures polling.
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	FailureCeiling int
}

// Sampler polls every target on its own goroutine and publishes results
// into the target's descriptor.
type Sampler struct {
	targets  []Target
	cfg      Config
	client   *http.Client
	observer Observer
	logger   observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClient sets the HTTP client used for polling.
func WithClient(c *http.Client) Option {
	return func(s *Sampler) {
		s.client = c
	}
}

// WithObserver sets the observer notified after every poll.
func WithObserver(o Observer) Option {
	return func(s *Sampler) {
		s.observer = o
	}
}

// WithLogger sets the sampler logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Sampler) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sampler) {
		s.metrics = m
	}
}

// WithClock overrides the time source used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

// New creates a sampler. The poll timeout must be shorter than the interval
// so polls of one backend never overlap.
func New(targets []Target, cfg Config, opts ...Option) (*Sampler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("sampler interval must be positive")
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		return nil, fmt.Errorf("sampler timeout %s must be positive and shorter than interval %s",
			cfg.Timeout, cfg.Interval)
	}
	if cfg.FailureCeiling < 1 {
		cfg.FailureCeiling = 1
	}

	s := &Sampler{
		targets: targets,
		cfg:     cfg,
		client:  backend.NewMetricsClient(cfg.Timeout),
		logger:  observability.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches one polling loop per target. Each loop samples immediately
// and then on every interval tick until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.targets {
		s.wg.Add(1)
		go s.run(ctx, t)
	}

	s.logger.Info("pressure sampler started",
		observability.Int("backends", len(s.targets)),
		observability.Duration("interval", s.cfg.Interval),
		observability.Duration("timeout", s.cfg.Timeout),
	)
}

// Stop stops every polling loop and waits for in-flight polls to finish.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("pressure sampler stopped")
}

func (s *Sampler) run(ctx context.Context, t Target) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Poll(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx, t)
		}
	}
}

// Poll samples t once, applies the result to its descriptor and notifies
// the observer. Failures never escape: they are recorded against the
// backend and reported through logs and metrics.
func (s *Sampler) Poll(ctx context.Context, t Target) Sample {
	d := t.Backend

	value, err := s.fetch(ctx, t)
	if ctx.Err() != nil && err != nil {
		// Shutdown, not a backend failure.
		return Sample{Backend: d.ID, Err: err, HardFailed: d.HardFailed()}
	}

	sample := Sample{Backend: d.ID, At: s.now(), Value: value, Err: err}

	if err == nil {
		wasHardFailed := d.HardFailed()
		d.RecordSample(value, sample.At)
		s.metrics.RecordSample(d.ID, d.Pressure().Value)
		if wasHardFailed {
			s.logger.Info("backend recovered",
				observability.String("backend", d.ID),
				observability.Float64("pressure", value),
			)
		}
		s.logger.Debug("pressure sampled",
			observability.String("backend", d.ID),
			observability.Float64("pressure", value),
		)
	} else {
		became := d.RecordFailure(err, s.cfg.FailureCeiling)
		s.metrics.RecordSampleFailure(d.ID, stageOf(err), d.HardFailed())
		if became {
			s.logger.Warn("backend hard-failed",
				observability.String("backend", d.ID),
				observability.Int("consecutive_failures", d.ConsecutiveFailures()),
				observability.Error(err),
			)
		} else {
			s.logger.Debug("pressure sample failed",
				observability.String("backend", d.ID),
				observability.Int("consecutive_failures", d.ConsecutiveFailures()),
				observability.Error(err),
			)
		}
	}

	sample.HardFailed = d.HardFailed()
	if s.observer != nil {
		s.observer.Observe(sample)
	}
	return sample
}

func (s *Sampler) fetch(ctx context.Context, t Target) (float64, error) {
	id := t.Backend.ID
	fail := func(stage string, err error) (float64, error) {
		return 0, &SampleError{Backend: id, Stage: stage, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Backend.MetricsURL, nil)
	if err != nil {
		return fail(StageFetch, err)
	}
	req.Header.Set("Accept", "text/plain;version=0.0.4")

	resp, err := s.client.Do(req)
	if err != nil {
		return fail(StageFetch, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetricsBody))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(StageStatus, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	families, err := ParseFamilies(io.LimitReader(resp.Body, maxMetricsBody))
	if err != nil {
		// A body cut off by the poll deadline surfaces here as a parse error.
		if ctx.Err() != nil {
			return fail(StageFetch, ctx.Err())
		}
		return fail(StageParse, err)
	}

	value, err := t.Source.Pressure(families)
	if err != nil {
		return fail(StageExtract, err)
	}
	return value, nil
}

func stageOf(err error) string {
	var se *SampleError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageFetch
}
