package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/config"
)

// Policy selects how pressure is turned into a decision.
type Policy int

// Policies.
const (
	PolicyHysteresis Policy = iota
	PolicyWeighted
)

// ParsePolicy parses a configured routing mode.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", config.ModeHysteresis:
		return PolicyHysteresis, nil
	case config.ModeWeighted:
		return PolicyWeighted, nil
	default:
		return 0, fmt.Errorf("unknown routing mode %q", s)
	}
}

// String returns the configured name of p.
func (p Policy) String() string {
	if p == PolicyWeighted {
		return config.ModeWeighted
	}
	return config.ModeHysteresis
}

// Thresholds parameterize Evaluate.
type Thresholds struct {
	Policy Policy
	// High diverts at or above this pressure.
	High float64
	// Low allows recovery at or below this pressure. Must be below High.
	Low float64
	// Dwell is how long pressure must stay at or below Low before traffic
	// returns to the primary.
	Dwell time.Duration
	// Reevaluation is the minimum interval between weight changes.
	Reevaluation time.Duration
}

// ThresholdsFromConfig converts routing configuration.
func ThresholdsFromConfig(cfg config.RoutingConfig) (Thresholds, error) {
	policy, err := ParsePolicy(cfg.Mode)
	if err != nil {
		return Thresholds{}, err
	}
	th := Thresholds{
		Policy:       policy,
		High:         cfg.HighWatermark,
		Low:          cfg.LowWatermark,
		Dwell:        cfg.Dwell(),
		Reevaluation: cfg.MinReevaluationInterval.Duration(),
	}
	return th, th.Validate()
}

// Validate checks the watermark ordering.
func (t Thresholds) Validate() error {
	if t.Low < 0 || t.High > 1 {
		return errors.New("watermarks must be within [0, 1]")
	}
	if t.Low >= t.High {
		return fmt.Errorf("low watermark %.2f must be below high watermark %.2f", t.Low, t.High)
	}
	if t.Dwell < 0 || t.Reevaluation < 0 {
		return errors.New("dwell and re-evaluation interval must not be negative")
	}
	return nil
}

// Candidate is a backend as seen by one evaluation.
type Candidate struct {
	ID       string
	Role     backend.Role
	Pressure float64
	// Known is false until the first successful sample and after a
	// hard failure.
	Known       bool
	EverSampled bool
	Eligible    bool
	// Emergency is set while the backend's error breaker is open.
	Emergency bool
}

// effectivePressure applies the unknown-pressure defaults: a backend never
// sampled is assumed idle, one that lost its reading after being sampled is
// assumed saturated.
func (c *Candidate) effectivePressure() float64 {
	switch {
	case c.Emergency:
		return 1
	case c.Known:
		return c.Pressure
	case c.EverSampled:
		return 1
	default:
		return 0
	}
}

// Input is everything an evaluation depends on.
type Input struct {
	// Now is the timestamp of the event that triggered the evaluation,
	// normally the sample time.
	Now time.Time
	// Candidates in preference order: the primary first, then fallbacks.
	Candidates []Candidate
}

func (in *Input) primary() *Candidate {
	for i := range in.Candidates {
		if in.Candidates[i].Role == backend.RolePrimary {
			return &in.Candidates[i]
		}
	}
	return nil
}

// fallback returns the first eligible non-primary candidate.
func (in *Input) fallback() *Candidate {
	for i := range in.Candidates {
		c := &in.Candidates[i]
		if c.Role != backend.RolePrimary && c.Eligible {
			return c
		}
	}
	return nil
}

// Evaluate returns the decision that follows prev given in. It is pure: the
// same sequence of inputs always yields the same sequence of decisions.
func Evaluate(prev Decision, in Input, th Thresholds) Decision {
	if th.Policy == PolicyWeighted {
		return evaluateWeighted(prev, in, th)
	}
	return evaluateHysteresis(prev, in, th)
}

func evaluateHysteresis(prev Decision, in Input, th Thresholds) Decision {
	primary, fallback := in.primary(), in.fallback()

	switch {
	case primary == nil || (!primary.Eligible && fallback == nil):
		return next(prev, in.Now, ModeUnavailable, "", ReasonNoBackend)
	case !primary.Eligible:
		return next(prev, in.Now, ModeDiverted, fallback.ID, ReasonPrimaryUnavailable)
	}

	p := primary.effectivePressure()
	saturated := p >= th.High

	if fallback == nil {
		// Nothing to divert to; a saturated primary still beats rejecting.
		reason := prev.Reason
		switch {
		case prev.Mode == ModeUnavailable && prev.Reason != ReasonStartup:
			reason = ReasonBackendRecovered
		case prev.Mode != ModeNormal && prev.Mode != ModeUnavailable:
			reason = ReasonNoFallback
		}
		return next(prev, in.Now, ModeNormal, primary.ID, reason)
	}

	switch prev.Mode {
	case ModeUnavailable:
		// Leaving Unavailable follows current pressure with no dwell.
		if saturated {
			return next(prev, in.Now, ModeDiverted, fallback.ID, ReasonPressureHigh)
		}
		reason := ReasonBackendRecovered
		if prev.Reason == ReasonStartup {
			reason = ReasonStartup
		}
		return next(prev, in.Now, ModeNormal, primary.ID, reason)

	case ModeNormal:
		if saturated {
			return next(prev, in.Now, ModeDiverted, fallback.ID, ReasonPressureHigh)
		}
		return next(prev, in.Now, ModeNormal, primary.ID, prev.Reason)

	case ModeDiverted:
		if p > th.Low {
			return next(prev, in.Now, ModeDiverted, fallback.ID, prev.Reason)
		}
		d := next(prev, in.Now, ModeRecovering, fallback.ID, ReasonPressureLow)
		d.DwellStart = in.Now
		if th.Dwell <= 0 {
			return next(d, in.Now, ModeNormal, primary.ID, ReasonDwellElapsed)
		}
		return d

	case ModeRecovering:
		if p > th.Low {
			return next(prev, in.Now, ModeDiverted, fallback.ID, ReasonPressureRebound)
		}
		if in.Now.Sub(prev.DwellStart) >= th.Dwell {
			return next(prev, in.Now, ModeNormal, primary.ID, ReasonDwellElapsed)
		}
		return next(prev, in.Now, ModeRecovering, fallback.ID, prev.Reason)
	}

	return next(prev, in.Now, ModeNormal, primary.ID, prev.Reason)
}

// next builds the successor of prev. Since moves only when the route
// changes; DwellStart survives only while recovering.
func next(prev Decision, now time.Time, mode Mode, target, reason string) Decision {
	d := Decision{
		Mode:             mode,
		Target:           target,
		Since:            prev.Since,
		LastReevaluation: now,
		Reason:           reason,
	}
	if mode == ModeRecovering {
		d.DwellStart = prev.DwellStart
	}
	if mode == ModeDiverted || mode == ModeRecovering {
		d.DiversionRatio = 1
	}
	if !sameRoute(&prev, &d) || d.Since.IsZero() {
		d.Since = now
	}
	return d
}
