package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError is a single configuration problem at Path.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found in one validation pass.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validator validates router configuration.
type Validator struct {
	errors ValidationErrors
}

// ValidateConfig validates cfg and returns ValidationErrors when it is invalid.
func ValidateConfig(cfg *Config) error {
	v := &Validator{}
	return v.Validate(cfg)
}

// Validate validates cfg. Defaults are expected to be applied already.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateBackends(cfg.Backends)
	v.validateSampler(&cfg.Sampler)
	v.validateRouting(&cfg.Routing)
	v.validateProxy(&cfg.Proxy)
	v.validateObservability(&cfg.Observability)

	if cfg.Admission.Wait() < 0 {
		v.addError("admission.maxWait", "must not be negative")
	}
	if cfg.Audit.Redis.Enabled && cfg.Audit.Redis.Address == "" {
		v.addError("audit.redis.address", "address is required when the redis sink is enabled")
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "address is required")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerSecond <= 0 {
			v.addError("server.rateLimit.requestsPerSecond", "must be positive")
		}
		if s.RateLimit.Burst <= 0 {
			v.addError("server.rateLimit.burst", "must be positive")
		}
	}
}

func (v *Validator) validateBackends(backends []BackendConfig) {
	if len(backends) == 0 {
		v.addError("backends", "at least one backend is required")
		return
	}

	ids := make(map[string]bool, len(backends))
	primaries := 0
	for i := range backends {
		b := &backends[i]
		path := fmt.Sprintf("backends[%d]", i)

		if b.ID == "" {
			v.addError(path+".id", "id is required")
		} else if ids[b.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate backend id %q", b.ID))
		}
		ids[b.ID] = true

		switch b.Role {
		case RolePrimary:
			primaries++
		case RoleSecondary, RoleTertiary:
		default:
			v.addError(path+".role", fmt.Sprintf("invalid role %q", b.Role))
		}

		v.validateURL(path+".url", b.URL)
		v.validateURL(path+".metrics.url", b.Metrics.URL)
		if b.ForwardPath != "" && !strings.HasPrefix(b.ForwardPath, "/") {
			v.addError(path+".forwardPath", "must start with /")
		}
		if b.MaxConcurrency < 0 {
			v.addError(path+".maxConcurrency", "must not be negative")
		}

		hasGauge := b.Metrics.Gauge != ""
		hasPair := b.Metrics.Used != "" || b.Metrics.Capacity != ""
		switch {
		case hasGauge && hasPair:
			v.addError(path+".metrics", "set either gauge or used/capacity, not both")
		case !hasGauge && !hasPair:
			v.addError(path+".metrics", "a gauge or a used/capacity pair is required")
		case hasPair && (b.Metrics.Used == "" || b.Metrics.Capacity == ""):
			v.addError(path+".metrics", "used and capacity must be set together")
		}
		if b.Metrics.Scale <= 0 {
			v.addError(path+".metrics.scale", "must be positive")
		}

		if b.Breaker.IsEnabled() {
			if b.Breaker.FailureThreshold <= 0 {
				v.addError(path+".breaker.failureThreshold", "must be positive")
			}
			if b.Breaker.OpenTimeout <= 0 {
				v.addError(path+".breaker.openTimeout", "must be positive")
			}
		}
	}

	if primaries != 1 {
		v.addError("backends", fmt.Sprintf("exactly one primary backend is required, found %d", primaries))
	}
}

func (v *Validator) validateURL(path, raw string) {
	if raw == "" {
		v.addError(path, "url is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.addError(path, fmt.Sprintf("invalid url: %v", err))
		return
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError(path, fmt.Sprintf("url %q must be an absolute http(s) url", raw))
	}
}

func (v *Validator) validateSampler(s *SamplerConfig) {
	if s.Interval <= 0 {
		v.addError("sampler.interval", "must be positive")
	}
	if s.Timeout <= 0 {
		v.addError("sampler.timeout", "must be positive")
	}
	if s.Timeout >= s.Interval {
		v.addError("sampler.timeout", fmt.Sprintf(
			"timeout %s must be shorter than interval %s", s.Timeout.Duration(), s.Interval.Duration()))
	}
	if s.FailureCeiling < 1 {
		v.addError("sampler.failureCeiling", "must be at least 1")
	}
}

func (v *Validator) validateRouting(r *RoutingConfig) {
	if r.Mode != ModeHysteresis && r.Mode != ModeWeighted {
		v.addError("routing.mode", fmt.Sprintf("invalid mode %q", r.Mode))
	}
	if r.LowWatermark < 0 || r.HighWatermark > 1 {
		v.addError("routing", "watermarks must be within [0, 1]")
	}
	if r.LowWatermark >= r.HighWatermark {
		v.addError("routing.lowWatermark", fmt.Sprintf(
			"lowWatermark %.2f must be less than highWatermark %.2f", r.LowWatermark, r.HighWatermark))
	}
	if r.Dwell() < 0 {
		v.addError("routing.minRecoveryDwell", "must not be negative")
	}
	if r.MinReevaluationInterval < 0 {
		v.addError("routing.minReevaluationInterval", "must not be negative")
	}
}

func (v *Validator) validateProxy(p *ProxyConfig) {
	if p.FailureMode != FailFast && p.FailureMode != FailOver {
		v.addError("proxy.failureMode", fmt.Sprintf("invalid failure mode %q", p.FailureMode))
	}
	timeouts := []struct {
		path string
		d    Duration
	}{
		{"proxy.connectTimeout", p.ConnectTimeout},
		{"proxy.responseHeaderTimeout", p.ResponseHeaderTimeout},
		{"proxy.streamIdleTimeout", p.StreamIdleTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			v.addError(t.path, "must be positive")
		}
	}
	if p.RequestTimeout < 0 {
		v.addError("proxy.requestTimeout", "must not be negative")
	}
	if p.MaxBodyBytes <= 0 {
		v.addError("proxy.maxBodyBytes", "must be positive")
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level))
	}
	if o.Logging.Format != "json" && o.Logging.Format != "console" {
		v.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format))
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be within [0, 1]")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
