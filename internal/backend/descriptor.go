package backend

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"
)

// Role orders backends by preference. Lower roles are preferred.
type Role int

const (
	// RolePrimary is the high-throughput backend that takes traffic in Normal mode.
	RolePrimary Role = iota
	// RoleSecondary is the first fallback.
	RoleSecondary
	// RoleTertiary is the last fallback.
	RoleTertiary
)

// ParseRole parses a configuration role name.
func ParseRole(s string) (Role, error) {
	switch s {
	case "primary":
		return RolePrimary, nil
	case "secondary":
		return RoleSecondary, nil
	case "tertiary":
		return RoleTertiary, nil
	default:
		return 0, fmt.Errorf("unknown backend role %q", s)
	}
}

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RoleTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// Reading is one published pressure observation. Readings are immutable
// once published.
type Reading struct {
	// Value is within [0, 1] when Known.
	Value     float64
	Known     bool
	SampledAt time.Time
}

// Descriptor is the static identity and live state of one backend.
//
// Pressure, failure and hard-failed state are written only by the sampler
// goroutine that owns the backend; everything else reads them lock-free.
type Descriptor struct {
	ID             string
	URL            *url.URL
	ForwardPath    string
	MetricsURL     string
	Role           Role
	Order          int
	MaxConcurrency int

	reading     atomic.Pointer[Reading]
	failures    atomic.Int32
	hardFailed  atomic.Bool
	everSampled atomic.Bool
	inFlight    atomic.Int64
	lastError   atomic.Pointer[string]
	breaker     *Breaker
}

var unknownReading = &Reading{}

// NewDescriptor creates a descriptor with Unknown pressure.
func NewDescriptor(id, rawURL string, role Role, opts ...DescriptorOption) (*Descriptor, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: invalid url %q: %w", id, rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend %s: url %q is not absolute", id, rawURL)
	}

	d := &Descriptor{ID: id, URL: u, Role: role}
	d.reading.Store(unknownReading)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DescriptorOption configures a Descriptor.
type DescriptorOption func(*Descriptor)

// WithForwardPath forwards every request to path instead of the inbound path.
func WithForwardPath(path string) DescriptorOption {
	return func(d *Descriptor) {
		d.ForwardPath = path
	}
}

// WithMetricsURL sets the pressure metrics endpoint.
func WithMetricsURL(u string) DescriptorOption {
	return func(d *Descriptor) {
		d.MetricsURL = u
	}
}

// WithMaxConcurrency sets the admission ceiling. Zero means unlimited.
func WithMaxConcurrency(n int) DescriptorOption {
	return func(d *Descriptor) {
		d.MaxConcurrency = n
	}
}

// WithOrder sets the tie-break position among backends sharing a role.
func WithOrder(order int) DescriptorOption {
	return func(d *Descriptor) {
		d.Order = order
	}
}

// WithBreaker attaches an error-spike breaker.
func WithBreaker(b *Breaker) DescriptorOption {
	return func(d *Descriptor) {
		d.breaker = b
	}
}

// Pressure returns the latest published reading.
func (d *Descriptor) Pressure() Reading {
	return *d.reading.Load()
}

// ConsecutiveFailures returns the number of failed samples since the last success.
func (d *Descriptor) ConsecutiveFailures() int {
	return int(d.failures.Load())
}

// HardFailed reports whether the sampler has given up on the backend.
func (d *Descriptor) HardFailed() bool {
	return d.hardFailed.Load()
}

// EverSampled reports whether the backend has ever produced a sample.
func (d *Descriptor) EverSampled() bool {
	return d.everSampled.Load()
}

// LastError returns the last sampling error message, if any.
func (d *Descriptor) LastError() string {
	if p := d.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// RecordSample publishes a successful reading, clamped to [0, 1], and clears
// the failure state.
func (d *Descriptor) RecordSample(value float64, at time.Time) {
	switch {
	case value < 0:
		value = 0
	case value > 1:
		value = 1
	}
	d.reading.Store(&Reading{Value: value, Known: true, SampledAt: at})
	d.failures.Store(0)
	d.hardFailed.Store(false)
	d.everSampled.Store(true)
	d.lastError.Store(nil)
}

// RecordFailure records a failed sample. The last reading is kept until the
// failure count reaches ceiling, at which point the backend is hard-failed
// and its pressure becomes Unknown. It reports whether this call caused the
// hard failure.
func (d *Descriptor) RecordFailure(err error, ceiling int) bool {
	if err != nil {
		msg := err.Error()
		d.lastError.Store(&msg)
	}
	n := d.failures.Add(1)
	if int(n) < ceiling || d.hardFailed.Load() {
		return false
	}
	d.hardFailed.Store(true)
	d.reading.Store(unknownReading)
	return true
}

// Breaker returns the attached breaker, or nil.
func (d *Descriptor) Breaker() *Breaker {
	return d.breaker
}

// BreakerOpen reports whether the error-spike breaker is open.
func (d *Descriptor) BreakerOpen() bool {
	return d.breaker != nil && d.breaker.Open()
}

// Eligible reports whether new requests may be bound to the backend.
func (d *Descriptor) Eligible() bool {
	return !d.HardFailed()
}

// InFlight returns the number of requests currently bound to the backend.
func (d *Descriptor) InFlight() int64 {
	return d.inFlight.Load()
}

// IncInFlight increments the in-flight counter and returns the new value.
func (d *Descriptor) IncInFlight() int64 {
	return d.inFlight.Add(1)
}

// DecInFlight decrements the in-flight counter and returns the new value.
func (d *Descriptor) DecInFlight() int64 {
	return d.inFlight.Add(-1)
}

// Status is a point-in-time view of a backend for status endpoints.
type Status struct {
	ID                  string     `json:"id"`
	Role                string     `json:"role"`
	URL                 string     `json:"url"`
	Pressure            *float64   `json:"pressure"`
	SampledAt           *time.Time `json:"sampled_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HardFailed          bool       `json:"hard_failed"`
	InFlight            int64      `json:"in_flight"`
	MaxConcurrency      int        `json:"max_concurrency"`
	Breaker             string     `json:"breaker,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Snapshot returns the current Status of the backend.
func (d *Descriptor) Snapshot() Status {
	s := Status{
		ID:                  d.ID,
		Role:                d.Role.String(),
		URL:                 d.URL.String(),
		ConsecutiveFailures: d.ConsecutiveFailures(),
		HardFailed:          d.HardFailed(),
		InFlight:            d.InFlight(),
		MaxConcurrency:      d.MaxConcurrency,
		LastError:           d.LastError(),
	}
	if r := d.Pressure(); r.Known {
		v, at := r.Value, r.SampledAt
		s.Pressure = &v
		s.SampledAt = &at
	}
	if d.breaker != nil {
		s.Breaker = d.breaker.State()
	}
	return s
}
