package routing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/sampler"
)

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) Publish(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.transitions...)
}

func newPair(t *testing.T, primaryOpts ...backend.DescriptorOption) (*backend.Registry, *backend.Descriptor, *backend.Descriptor) {
	t.Helper()
	p, err := backend.NewDescriptor("h100", "http://10.0.0.1:8000", backend.RolePrimary, primaryOpts...)
	require.NoError(t, err)
	s, err := backend.NewDescriptor("l40", "http://10.0.0.2:8000", backend.RoleSecondary)
	require.NoError(t, err)
	reg, err := backend.NewRegistry(p, s)
	require.NoError(t, err)
	return reg, p, s
}

func TestNewController(t *testing.T) {
	t.Parallel()

	reg, _, _ := newPair(t)
	_, err := NewController(reg, Thresholds{High: 0.5, Low: 0.6}, t0)
	assert.Error(t, err)

	rec := &recorder{}
	c, err := NewController(reg, hysteresis(), t0, WithTransitionSink(rec))
	require.NoError(t, err)

	d := c.Current()
	assert.Equal(t, ModeNormal, d.Mode)
	assert.Equal(t, "h100", d.Target)
	assert.Equal(t, ReasonStartup, d.Reason)

	require.Len(t, rec.all(), 1)
	assert.Equal(t, Transition{From: ModeUnavailable, To: ModeNormal, Target: "h100", At: t0, Reason: ReasonStartup}, rec.all()[0])
}

func TestController_DivertAndRecover(t *testing.T) {
	t.Parallel()

	reg, p, s := newPair(t)
	metrics := observability.NewMetrics("test")
	c, err := NewController(reg, hysteresis(), t0,
		WithControllerMetrics(metrics),
		WithControllerLogger(observability.NopLogger()),
	)
	require.NoError(t, err)
	rec := &recorder{}
	c.Subscribe(rec)

	s.RecordSample(0.1, t0)
	sample := func(v float64, offset time.Duration) {
		p.RecordSample(v, at(offset))
		c.Observe(sampler.Sample{Backend: "h100", At: at(offset), Value: v})
	}

	sample(0.90, time.Second)
	bound := c.Current()
	assert.Equal(t, ModeDiverted, bound.Mode)
	assert.Equal(t, "l40", bound.Pick(0.5))

	for i := 2; i <= 11; i++ {
		sample(0.50, time.Duration(i)*time.Second)
	}
	assert.Equal(t, ModeRecovering, c.Current().Mode)

	sample(0.50, 12*time.Second)
	assert.Equal(t, ModeNormal, c.Current().Mode)
	assert.Equal(t, "h100", c.Current().Target)

	// Decisions already handed out are never modified.
	assert.Equal(t, ModeDiverted, bound.Mode)
	assert.Equal(t, "l40", bound.Target)

	got := rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, ModeDiverted, got[0].To)
	assert.Equal(t, ModeRecovering, got[1].To)
	assert.Equal(t, ModeNormal, got[2].To)
	assert.Equal(t, at(12*time.Second), got[2].At)

	n, err := testutil.GatherAndCount(metrics.Registry(), "test_routing_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "startup plus three transitions, each a distinct from/to pair")
}

func TestController_SoleTargetHardFailedIsUnavailable(t *testing.T) {
	t.Parallel()

	reg, p, s := newPair(t)
	rec := &recorder{}
	c, err := NewController(reg, hysteresis(), t0, WithTransitionSink(rec))
	require.NoError(t, err)

	boom := errors.New("connection refused")
	for i := 0; i < 5; i++ {
		s.RecordFailure(boom, 5)
	}
	p.RecordSample(0.3, t0)
	for i := 1; i <= 5; i++ {
		became := p.RecordFailure(boom, 5)
		c.Observe(sampler.Sample{Backend: "h100", At: at(time.Duration(i) * time.Second), Err: boom, HardFailed: became})
		if i < 5 {
			assert.Equal(t, ModeNormal, c.Current().Mode, "failure %d keeps the last reading", i)
		}
	}

	d := c.Current()
	assert.Equal(t, ModeUnavailable, d.Mode)
	assert.Equal(t, ReasonNoBackend, d.Reason)
	assert.Empty(t, d.Pick(0.1))

	p.RecordSample(0.2, at(6*time.Second))
	c.Observe(sampler.Sample{Backend: "h100", At: at(6 * time.Second), Value: 0.2})
	assert.Equal(t, ModeNormal, c.Current().Mode)
	assert.Equal(t, ReasonBackendRecovered, c.Current().Reason)

	got := rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, ModeUnavailable, got[1].To)
	assert.Equal(t, at(5*time.Second), got[1].At)
}

func TestController_BreakerOpenDiverts(t *testing.T) {
	t.Parallel()

	breaker := backend.NewBreaker("h100", 1, time.Hour)
	reg, p, s := newPair(t, backend.WithBreaker(breaker))
	p.RecordSample(0.1, t0)
	s.RecordSample(0.1, t0)

	c, err := NewController(reg, hysteresis(), t0)
	require.NoError(t, err)
	require.Equal(t, ModeNormal, c.Current().Mode)

	breaker.Begin()(false)
	require.True(t, p.BreakerOpen())

	c.Reevaluate(at(time.Second))
	assert.Equal(t, ModeDiverted, c.Current().Mode)
	assert.Equal(t, "l40", c.Current().Target)
}

func TestController_ObserveIgnoresUnstampedSamples(t *testing.T) {
	t.Parallel()

	reg, p, _ := newPair(t)
	c, err := NewController(reg, hysteresis(), t0)
	require.NoError(t, err)
	before := c.Current()

	p.RecordSample(0.95, at(time.Second))
	c.Observe(sampler.Sample{Backend: "h100", Err: errors.New("context canceled")})
	assert.Same(t, before, c.Current())
}

func TestController_SetThresholds(t *testing.T) {
	t.Parallel()

	reg, p, s := newPair(t)
	p.RecordSample(0.75, t0)
	s.RecordSample(0.1, t0)

	c, err := NewController(reg, hysteresis(), t0)
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, c.Current().Mode)

	assert.Error(t, c.SetThresholds(Thresholds{High: 0.4, Low: 0.6}, at(time.Second)))
	assert.Equal(t, hysteresis(), c.Thresholds())

	lower := hysteresis()
	lower.High, lower.Low = 0.7, 0.5
	require.NoError(t, c.SetThresholds(lower, at(time.Second)))
	assert.Equal(t, ModeDiverted, c.Current().Mode, "new watermarks apply without waiting for a sample")

	w := weighted()
	require.NoError(t, c.SetThresholds(w, at(1500*time.Millisecond)))
	d := c.Current()
	assert.Equal(t, ModeDiverted, d.Mode)
	require.Len(t, d.Weights, 2)
	assert.InDelta(t, 0.4, d.Weights[0].Weight, 1e-9)
	assert.InDelta(t, 0.6, d.DiversionRatio, 1e-9)
}

func TestController_ConcurrentReadersSeeWholeDecisions(t *testing.T) {
	t.Parallel()

	reg, p, s := newPair(t)
	s.RecordSample(0.1, t0)
	c, err := NewController(reg, hysteresis(), t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d := c.Current()
				switch d.Mode {
				case ModeNormal:
					assert.Equal(t, "h100", d.Target)
				case ModeDiverted, ModeRecovering:
					assert.Equal(t, "l40", d.Target)
				}
			}
		}()
	}

	values := []float64{0.9, 0.5, 0.95, 0.2}
	for i := 0; i < 400; i++ {
		now := at(time.Duration(i) * time.Second)
		v := values[i%len(values)]
		p.RecordSample(v, now)
		c.Observe(sampler.Sample{Backend: "h100", At: now, Value: v})
	}
	close(stop)
	wg.Wait()
}
