package routing

import (
	"math"
)

// evaluateWeighted shifts traffic from the primary to the first eligible
// fallback in proportion to where primary pressure sits between the
// watermarks. Weight changes wait for the re-evaluation interval unless the
// set of eligible backends changed.
func evaluateWeighted(prev Decision, in Input, th Thresholds) Decision {
	primary, fallback := in.primary(), in.fallback()

	var weights []Weight
	switch {
	case primary == nil || (!primary.Eligible && fallback == nil):
		return next(prev, in.Now, ModeUnavailable, "", ReasonNoBackend)
	case !primary.Eligible:
		weights = []Weight{{Backend: fallback.ID, Weight: 1}}
	case fallback == nil:
		weights = []Weight{{Backend: primary.ID, Weight: 1}}
	}

	if weights == nil && sameBackends(prev.Weights, primary.ID, fallback.ID) &&
		!prev.LastReevaluation.IsZero() && in.Now.Sub(prev.LastReevaluation) < th.Reevaluation {
		return prev
	}

	if weights != nil {
		d := weightedDecision(prev, in, weights, primary)
		switch {
		case !primary.Eligible:
			d.Reason = ReasonPrimaryUnavailable
		case prev.Mode == ModeUnavailable && prev.Reason == ReasonStartup:
			d.Reason = ReasonStartup
		case prev.Mode == ModeUnavailable:
			d.Reason = ReasonBackendRecovered
		default:
			d.Reason = ReasonNoFallback
		}
		return d
	}

	ratio := DiversionRatio(primary.effectivePressure(), th)
	weights = []Weight{
		{Backend: primary.ID, Weight: 1 - ratio},
		{Backend: fallback.ID, Weight: ratio},
	}
	d := weightedDecision(prev, in, weights, primary)
	switch {
	case prev.Mode == ModeUnavailable && prev.Reason == ReasonStartup:
		d.Reason = ReasonStartup
	case prev.Mode == ModeUnavailable:
		d.Reason = ReasonBackendRecovered
	case ratio == 1 && prev.DiversionRatio < 1:
		d.Reason = ReasonPressureHigh
	case ratio == 0 && prev.DiversionRatio > 0:
		d.Reason = ReasonPressureLow
	case ratio != prev.DiversionRatio:
		d.Reason = ReasonWeightsUpdated
	default:
		d.Reason = prev.Reason
	}
	return d
}

// DiversionRatio maps pressure linearly onto [0, 1] between the watermarks.
func DiversionRatio(pressure float64, th Thresholds) float64 {
	if th.High <= th.Low {
		if pressure >= th.High {
			return 1
		}
		return 0
	}
	r := (pressure - th.Low) / (th.High - th.Low)
	return math.Min(1, math.Max(0, r))
}

func weightedDecision(prev Decision, in Input, weights []Weight, primary *Candidate) Decision {
	target := weights[0].Backend
	best := weights[0].Weight
	for _, w := range weights[1:] {
		if w.Weight > best {
			target, best = w.Backend, w.Weight
		}
	}

	var ratio float64
	for _, w := range weights {
		if w.Backend != primary.ID {
			ratio += w.Weight
		}
	}

	mode := ModeNormal
	if ratio > 0 {
		mode = ModeDiverted
	}

	d := next(prev, in.Now, mode, target, prev.Reason)
	d.Weights = weights
	d.DiversionRatio = ratio
	return d
}

// sameBackends reports whether weights route to exactly the primary and
// fallback pair.
func sameBackends(weights []Weight, primary, fallback string) bool {
	return len(weights) == 2 && weights[0].Backend == primary && weights[1].Backend == fallback
}
