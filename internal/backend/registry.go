package backend

import (
	"fmt"
	"sort"

	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

// Registry holds every configured backend in preference order: the primary
// first, then fallbacks by role and configuration order. It is immutable
// after construction.
type Registry struct {
	ordered []*Descriptor
	byID    map[string]*Descriptor
}

// NewRegistry builds a registry from descriptors. Exactly one primary is
// required.
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{
		ordered: make([]*Descriptor, 0, len(descriptors)),
		byID:    make(map[string]*Descriptor, len(descriptors)),
	}

	primaries := 0
	for _, d := range descriptors {
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate backend id %q", d.ID)
		}
		if d.Role == RolePrimary {
			primaries++
		}
		r.byID[d.ID] = d
		r.ordered = append(r.ordered, d)
	}
	if primaries != 1 {
		return nil, fmt.Errorf("exactly one primary backend is required, found %d", primaries)
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		a, b := r.ordered[i], r.ordered[j]
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.Order < b.Order
	})
	return r, nil
}

// LoadFromConfig builds descriptors, breakers included, from configuration.
func LoadFromConfig(
	cfgs []config.BackendConfig,
	logger observability.Logger,
	onBreakerChange BreakerStateFunc,
) (*Registry, error) {
	descriptors := make([]*Descriptor, 0, len(cfgs))
	for i := range cfgs {
		c := &cfgs[i]
		role, err := ParseRole(c.Role)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", c.ID, err)
		}

		opts := []DescriptorOption{
			WithOrder(i),
			WithForwardPath(c.ForwardPath),
			WithMetricsURL(c.Metrics.URL),
			WithMaxConcurrency(c.MaxConcurrency),
		}
		if c.Breaker.IsEnabled() {
			opts = append(opts, WithBreaker(NewBreaker(c.ID, c.Breaker.FailureThreshold,
				c.Breaker.OpenTimeout.Duration(),
				WithBreakerLogger(logger),
				WithBreakerStateCallback(onBreakerChange),
			)))
		}

		d, err := NewDescriptor(c.ID, c.URL, role, opts...)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return NewRegistry(descriptors...)
}

// Get returns the backend with the given id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Primary returns the primary backend.
func (r *Registry) Primary() *Descriptor {
	return r.ordered[0]
}

// Fallbacks returns the non-primary backends in preference order.
func (r *Registry) Fallbacks() []*Descriptor {
	return r.ordered[1:]
}

// All returns every backend in preference order.
func (r *Registry) All() []*Descriptor {
	return r.ordered
}

// Len returns the number of backends.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Snapshot returns the status of every backend in preference order.
func (r *Registry) Snapshot() []Status {
	out := make([]Status, len(r.ordered))
	for i, d := range r.ordered {
		out[i] = d.Snapshot()
	}
	return out
}
