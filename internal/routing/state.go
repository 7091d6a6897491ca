package routing

import (
	"time"
)

// Mode is the routing state.
type Mode int

// Routing modes.
const (
	// ModeNormal sends new traffic to the primary.
	ModeNormal Mode = iota
	// ModeDiverted sends new traffic, or a share of it, to a fallback.
	ModeDiverted
	// ModeRecovering keeps traffic on the fallback while the primary proves
	// it has stayed below the low watermark for the recovery dwell.
	ModeRecovering
	// ModeUnavailable means no backend is eligible.
	ModeUnavailable
)

// String returns the mode name used in logs, metrics and the status API.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDiverted:
		return "diverted"
	case ModeRecovering:
		return "recovering"
	case ModeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ModeNames lists every mode name, for metrics.
var ModeNames = []string{
	ModeNormal.String(),
	ModeDiverted.String(),
	ModeRecovering.String(),
	ModeUnavailable.String(),
}

// Transition reasons.
const (
	ReasonStartup            = "startup"
	ReasonPressureHigh       = "pressure_high"
	ReasonPressureLow        = "pressure_low"
	ReasonPressureRebound    = "pressure_rebound"
	ReasonDwellElapsed       = "dwell_elapsed"
	ReasonPrimaryUnavailable = "primary_unavailable"
	ReasonNoFallback         = "no_eligible_fallback"
	ReasonNoBackend          = "no_eligible_backend"
	ReasonBackendRecovered   = "backend_recovered"
	ReasonWeightsUpdated     = "weights_updated"
)

// Weight is the share of new traffic sent to one backend.
type Weight struct {
	Backend string  `json:"backend"`
	Weight  float64 `json:"weight"`
}

// Decision is an immutable routing decision. A new value is published on
// every evaluation; published values are never modified.
type Decision struct {
	Mode Mode `json:"mode"`
	// Target is the backend receiving new traffic. In weighted mode it is the
	// backend holding the largest share.
	Target string `json:"target,omitempty"`
	// Weights is set in weighted mode only and sums to 1.
	Weights []Weight `json:"weights,omitempty"`
	// DiversionRatio is the share of new traffic sent away from the primary.
	DiversionRatio float64 `json:"diversion_ratio"`
	// Since is when Mode or Target last changed.
	Since time.Time `json:"since"`
	// DwellStart is when the current recovery window opened. Zero outside
	// ModeRecovering.
	DwellStart       time.Time `json:"dwell_start,omitempty"`
	LastReevaluation time.Time `json:"last_reevaluation"`
	Reason           string    `json:"reason"`
}

// Initial returns the decision a controller starts from before any
// backend has been evaluated.
func Initial() Decision {
	return Decision{Mode: ModeUnavailable, Reason: ReasonStartup}
}

// Available reports whether requests can be routed.
func (d *Decision) Available() bool {
	return d.Mode != ModeUnavailable
}

// Pick returns the backend a request should be bound to. r is a uniform
// draw in [0, 1) and is only used in weighted mode.
func (d *Decision) Pick(r float64) string {
	if d.Mode == ModeUnavailable {
		return ""
	}
	if len(d.Weights) == 0 {
		return d.Target
	}

	var acc float64
	last := ""
	for _, w := range d.Weights {
		if w.Weight <= 0 {
			continue
		}
		acc += w.Weight
		last = w.Backend
		if r < acc {
			return w.Backend
		}
	}
	// Rounding left the cumulative sum just below 1.
	if last == "" {
		return d.Target
	}
	return last
}

// sameRoute reports whether two decisions route traffic the same way, for
// transition detection.
func sameRoute(a, b *Decision) bool {
	return a.Mode == b.Mode && a.Target == b.Target
}
