package routing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/sampler"
)

var tracer = otel.Tracer("kvgate/routing")

// Transition is emitted whenever the routing mode or target changes.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Target string    `json:"target"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// TransitionSink receives transitions. Publish is called while the
// controller holds its writer lock and must not block.
type TransitionSink interface {
	Publish(Transition)
}

// TransitionFunc adapts a function to TransitionSink.
type TransitionFunc func(Transition)

// Publish implements TransitionSink.
func (f TransitionFunc) Publish(t Transition) { f(t) }

// Controller owns the routing decision. Evaluations are serialized by a
// mutex; readers load the published decision without locking.
type Controller struct {
	registry *backend.Registry
	logger   observability.Logger
	metrics  *observability.Metrics

	mu         sync.Mutex
	thresholds Thresholds
	sinks      []TransitionSink

	current atomic.Pointer[Decision]
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the controller logger.
func WithControllerLogger(l observability.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithControllerMetrics sets the metrics sink.
func WithControllerMetrics(m *observability.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTransitionSink adds a transition sink.
func WithTransitionSink(s TransitionSink) ControllerOption {
	return func(c *Controller) {
		c.sinks = append(c.sinks, s)
	}
}

// NewController creates a controller and publishes the decision for the
// registry's current state at now.
func NewController(
	registry *backend.Registry,
	th Thresholds,
	now time.Time,
	opts ...ControllerOption,
) (*Controller, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		registry:   registry,
		thresholds: th,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	initial := Initial()
	c.current.Store(&initial)
	c.Reevaluate(now)
	return c, nil
}

// Current returns the published decision. The returned value must not be
// modified.
func (c *Controller) Current() *Decision {
	return c.current.Load()
}

// Thresholds returns the active thresholds.
func (c *Controller) Thresholds() Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholds
}

// Subscribe adds a transition sink.
func (c *Controller) Subscribe(s TransitionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Observe implements sampler.Observer. Each sample triggers one evaluation
// stamped with the sample time.
func (c *Controller) Observe(s sampler.Sample) {
	if s.At.IsZero() {
		return
	}
	c.Reevaluate(s.At)
}

// Reevaluate evaluates the registry's current state at now and publishes
// the result.
func (c *Controller) Reevaluate(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluateLocked(now, false)
}

// SetThresholds replaces the thresholds and re-evaluates immediately.
// Invalid thresholds are rejected and the old ones kept.
func (c *Controller) SetThresholds(th Thresholds, now time.Time) error {
	if err := th.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.thresholds = th
	c.logger.Info("routing thresholds updated",
		observability.String("mode", th.Policy.String()),
		observability.Float64("high_watermark", th.High),
		observability.Float64("low_watermark", th.Low),
		observability.Duration("min_recovery_dwell", th.Dwell),
		observability.Duration("min_reevaluation_interval", th.Reevaluation),
	)
	c.evaluateLocked(now, true)
	return nil
}

// evaluateLocked publishes the next decision. force bypasses the weighted
// re-evaluation interval.
func (c *Controller) evaluateLocked(now time.Time, force bool) {
	prev := c.current.Load()
	base := *prev
	if force {
		base.LastReevaluation = time.Time{}
	}
	in := Input{Now: now, Candidates: c.candidates()}
	d := Evaluate(base, in, c.thresholds)
	c.current.Store(&d)

	c.metrics.SetRoutingMode(d.Mode.String(), ModeNames, d.DiversionRatio)

	if !sameRoute(prev, &d) {
		c.emitLocked(prev, &d)
	} else if d.DiversionRatio != prev.DiversionRatio {
		c.logger.Debug("routing weights updated",
			observability.Float64("diversion_ratio", d.DiversionRatio),
		)
	}
}

func (c *Controller) emitLocked(prev, d *Decision) {
	t := Transition{
		From:   prev.Mode,
		To:     d.Mode,
		Target: d.Target,
		At:     d.LastReevaluation,
		Reason: d.Reason,
	}

	c.metrics.RecordTransition(t.From.String(), t.To.String())

	log := c.logger.Info
	if t.To == ModeUnavailable {
		log = c.logger.Error
	}
	log("routing transition",
		observability.String("from", t.From.String()),
		observability.String("to", t.To.String()),
		observability.String("target", t.Target),
		observability.String("reason", t.Reason),
		observability.Float64("diversion_ratio", d.DiversionRatio),
	)

	_, span := tracer.Start(context.Background(), "routing.transition",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(t.At),
	)
	span.AddEvent("transition", trace.WithAttributes(
		attribute.String("routing.from", t.From.String()),
		attribute.String("routing.to", t.To.String()),
		attribute.String("routing.target", t.Target),
		attribute.String("routing.reason", t.Reason),
	))
	span.End()

	for _, s := range c.sinks {
		s.Publish(t)
	}
}

func (c *Controller) candidates() []Candidate {
	all := c.registry.All()
	out := make([]Candidate, 0, len(all))
	for _, d := range all {
		r := d.Pressure()
		out = append(out, Candidate{
			ID:          d.ID,
			Role:        d.Role,
			Pressure:    r.Value,
			Known:       r.Known,
			EverSampled: d.EverSampled(),
			Eligible:    d.Eligible(),
			Emergency:   d.BreakerOpen(),
		})
	}
	return out
}
