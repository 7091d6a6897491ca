package config

import "time"

// Routing modes.
const (
	ModeHysteresis = "hysteresis"
	ModeWeighted   = "weighted"
)

// Proxy failure modes.
const (
	FailFast = "fail-fast"
	FailOver = "fail-over"
)

// Backend roles.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
	RoleTertiary  = "tertiary"
)

// Defaults.
const (
	DefaultServerAddress           = ":8080"
	DefaultAdminAddress            = ":9090"
	DefaultReadHeaderTimeout       = 10 * time.Second
	DefaultIdleTimeout             = 120 * time.Second
	DefaultShutdownTimeout         = 30 * time.Second
	DefaultSampleInterval          = time.Second
	DefaultSampleTimeout           = 500 * time.Millisecond
	DefaultFailureCeiling          = 5
	DefaultHighWatermark           = 0.85
	DefaultLowWatermark            = 0.60
	DefaultMinRecoveryDwell        = 10 * time.Second
	DefaultMinReevaluationInterval = 2 * time.Second
	DefaultConnectTimeout          = 5 * time.Second
	DefaultResponseHeaderTimeout   = 500 * time.Second
	DefaultStreamIdleTimeout       = 120 * time.Second
	DefaultMaxBodyBytes            = 10 << 20
	DefaultTraceHeader             = "X-Trace-ID"
	DefaultAdmissionMaxWait        = 50 * time.Millisecond
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerOpenTimeout      = 30 * time.Second
	DefaultRateLimitRPS            = 100
	DefaultRateLimitBurst          = 200
	DefaultTransitionStream        = "kvgate:transitions"
	DefaultTransitionStreamMaxLen  = 1000
)

// Config is the root configuration of the router.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
	Backends      []BackendConfig     `yaml:"backends" json:"backends"`
	Sampler       SamplerConfig       `yaml:"sampler" json:"sampler"`
	Routing       RoutingConfig       `yaml:"routing" json:"routing"`
	Proxy         ProxyConfig         `yaml:"proxy" json:"proxy"`
	Admission     AdmissionConfig     `yaml:"admission" json:"admission"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Audit         AuditConfig         `yaml:"audit" json:"audit"`
}

// ServerConfig configures the inbound listener.
type ServerConfig struct {
	Address           string          `yaml:"address" json:"address"`
	ReadHeaderTimeout Duration        `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	IdleTimeout       Duration        `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout   Duration        `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	RateLimit         RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
}

// RateLimitConfig configures the inbound token bucket.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int  `yaml:"burst" json:"burst"`
}

// AdminConfig configures the admin HTTP API and the gRPC health service.
type AdminConfig struct {
	Address     string `yaml:"address" json:"address"`
	GRPCAddress string `yaml:"grpcAddress,omitempty" json:"grpcAddress,omitempty"`
}

// BackendConfig describes one inference backend.
type BackendConfig struct {
	ID             string        `yaml:"id" json:"id"`
	Role           string        `yaml:"role" json:"role"`
	URL            string        `yaml:"url" json:"url"`
	ForwardPath    string        `yaml:"forwardPath,omitempty" json:"forwardPath,omitempty"`
	MaxConcurrency int           `yaml:"maxConcurrency" json:"maxConcurrency"`
	Metrics        MetricsSource `yaml:"metrics" json:"metrics"`
	Breaker        BreakerConfig `yaml:"breaker" json:"breaker"`
}

// MetricsSource tells the sampler where and how to read KV-cache pressure.
// Either Gauge or the Used/Capacity pair is set.
type MetricsSource struct {
	URL      string  `yaml:"url" json:"url"`
	Gauge    string  `yaml:"gauge,omitempty" json:"gauge,omitempty"`
	Used     string  `yaml:"used,omitempty" json:"used,omitempty"`
	Capacity string  `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Scale    float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// BreakerConfig configures the per-backend error-spike breaker.
type BreakerConfig struct {
	Enabled          *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
	OpenTimeout      Duration `yaml:"openTimeout" json:"openTimeout"`
}

// IsEnabled reports whether the breaker is enabled. Unset means enabled.
func (b BreakerConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// SamplerConfig configures pressure polling.
type SamplerConfig struct {
	Interval       Duration `yaml:"interval" json:"interval"`
	Timeout        Duration `yaml:"timeout" json:"timeout"`
	FailureCeiling int      `yaml:"failureCeiling" json:"failureCeiling"`
}

// RoutingConfig configures the routing state machine.
type RoutingConfig struct {
	Mode                    string    `yaml:"mode" json:"mode"`
	HighWatermark           float64   `yaml:"highWatermark" json:"highWatermark"`
	LowWatermark            float64   `yaml:"lowWatermark" json:"lowWatermark"`
	// MinRecoveryDwell is how long pressure must stay low before traffic
	// returns to the primary. Zero recovers immediately; unset uses
	// DefaultMinRecoveryDwell.
	MinRecoveryDwell        *Duration `yaml:"minRecoveryDwell,omitempty" json:"minRecoveryDwell,omitempty"`
	MinReevaluationInterval Duration  `yaml:"minReevaluationInterval" json:"minReevaluationInterval"`
}

// Dwell returns the effective recovery dwell.
func (r RoutingConfig) Dwell() time.Duration {
	if r.MinRecoveryDwell == nil {
		return DefaultMinRecoveryDwell
	}
	return r.MinRecoveryDwell.Duration()
}

// ProxyConfig configures request forwarding.
type ProxyConfig struct {
	FailureMode           string   `yaml:"failureMode" json:"failureMode"`
	ConnectTimeout        Duration `yaml:"connectTimeout" json:"connectTimeout"`
	ResponseHeaderTimeout Duration `yaml:"responseHeaderTimeout" json:"responseHeaderTimeout"`
	RequestTimeout        Duration `yaml:"requestTimeout" json:"requestTimeout"`
	StreamIdleTimeout     Duration `yaml:"streamIdleTimeout" json:"streamIdleTimeout"`
	MaxBodyBytes          int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	TraceHeader           string   `yaml:"traceHeader" json:"traceHeader"`
}

// AdmissionConfig configures the admission guard.
type AdmissionConfig struct {
	// MaxWait bounds how long a request may queue for a slot. Zero rejects
	// immediately; unset uses DefaultAdmissionMaxWait.
	MaxWait *Duration `yaml:"maxWait,omitempty" json:"maxWait,omitempty"`
}

// Wait returns the effective queue wait.
func (a AdmissionConfig) Wait() time.Duration {
	if a.MaxWait == nil {
		return DefaultAdmissionMaxWait
	}
	return a.MaxWait.Duration()
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the Prometheus endpoint on the admin server.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether metrics are exported. Unset means enabled.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// AuditConfig configures routing transition sinks.
type AuditConfig struct {
	// Output receives one JSON line per transition: stdout, stderr or a
	// file path. Empty disables the log sink.
	Output string          `yaml:"output,omitempty" json:"output,omitempty"`
	Redis  RedisSinkConfig `yaml:"redis" json:"redis"`
}

// RedisSinkConfig configures the Redis stream transition sink.
type RedisSinkConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Stream   string `yaml:"stream" json:"stream"`
	MaxLen   int64  `yaml:"maxLen" json:"maxLen"`
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	setString(&s.Address, DefaultServerAddress)
	setDuration(&s.ReadHeaderTimeout, DefaultReadHeaderTimeout)
	setDuration(&s.IdleTimeout, DefaultIdleTimeout)
	setDuration(&s.ShutdownTimeout, DefaultShutdownTimeout)
	setInt(&s.RateLimit.RequestsPerSecond, DefaultRateLimitRPS)
	setInt(&s.RateLimit.Burst, DefaultRateLimitBurst)

	setString(&c.Admin.Address, DefaultAdminAddress)

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Metrics.Scale == 0 {
			b.Metrics.Scale = 1
		}
		setInt(&b.Breaker.FailureThreshold, DefaultBreakerFailureThreshold)
		setDuration(&b.Breaker.OpenTimeout, DefaultBreakerOpenTimeout)
	}

	setDuration(&c.Sampler.Interval, DefaultSampleInterval)
	setDuration(&c.Sampler.Timeout, DefaultSampleTimeout)
	setInt(&c.Sampler.FailureCeiling, DefaultFailureCeiling)

	r := &c.Routing
	setString(&r.Mode, ModeHysteresis)
	if r.HighWatermark == 0 && r.LowWatermark == 0 {
		r.HighWatermark = DefaultHighWatermark
		r.LowWatermark = DefaultLowWatermark
	}
	setDuration(&r.MinReevaluationInterval, DefaultMinReevaluationInterval)

	p := &c.Proxy
	setString(&p.FailureMode, FailFast)
	setDuration(&p.ConnectTimeout, DefaultConnectTimeout)
	setDuration(&p.ResponseHeaderTimeout, DefaultResponseHeaderTimeout)
	setDuration(&p.StreamIdleTimeout, DefaultStreamIdleTimeout)
	if p.MaxBodyBytes == 0 {
		p.MaxBodyBytes = DefaultMaxBodyBytes
	}
	setString(&p.TraceHeader, DefaultTraceHeader)

	l := &c.Observability.Logging
	setString(&l.Level, "info")
	setString(&l.Format, "json")
	setString(&l.Output, "stdout")

	tr := &c.Observability.Tracing
	setString(&tr.ServiceName, "kvgate")
	if tr.SamplingRate == 0 {
		tr.SamplingRate = 1
	}

	rs := &c.Audit.Redis
	setString(&rs.Address, "localhost:6379")
	setString(&rs.Stream, DefaultTransitionStream)
	if rs.MaxLen == 0 {
		rs.MaxLen = DefaultTransitionStreamMaxLen
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v == 0 {
		*v = Duration(def)
	}
}
