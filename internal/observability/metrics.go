package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric namespace used when none is given.
const DefaultNamespace = "kvgate"

// Metrics holds all Prometheus metrics exported by the router. All
// recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	inFlight            *prometheus.GaugeVec
	failovers           *prometheus.CounterVec
	admissionRejections *prometheus.CounterVec
	samplesTotal        *prometheus.CounterVec
	sampleFailures      *prometheus.CounterVec
	pressure            *prometheus.GaugeVec
	hardFailed          *prometheus.GaugeVec
	breakerState        *prometheus.GaugeVec
	routingMode         *prometheus.GaugeVec
	diversionRatio      prometheus.Gauge
	transitions         *prometheus.CounterVec
	transitionsDropped  prometheus.Counter
	configReloads       *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec
	registry            *prometheus.Registry
}

// NewMetrics creates the metric set on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by bound backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// Inference responses stream for minutes, so the buckets reach far
	// beyond what a typical HTTP histogram covers.
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds",
			Buckets: []float64{
				.01, .05, .1, .25, .5, 1, 2.5, 5,
				10, 30, 60, 120, 300, 600,
			},
		},
		[]string{"backend", "outcome"},
	)

	m.inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "in_flight_requests",
			Help:      "Requests currently holding an admission slot",
		},
		[]string{"backend"},
	)

	m.failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "failovers_total",
			Help:      "Requests retried against an alternate backend",
		},
		[]string{"from", "to"},
	)

	m.admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests rejected by the admission guard",
		},
		[]string{"backend"},
	)

	m.samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "samples_total",
			Help:      "Successful pressure samples",
		},
		[]string{"backend"},
	)

	m.sampleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "failures_total",
			Help:      "Failed pressure samples by stage",
		},
		[]string{"backend", "stage"},
	)

	m.pressure = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "kv_cache_pressure",
			Help:      "Last sampled KV-cache pressure (0-1), -1 when unknown",
		},
		[]string{"backend"},
	)

	m.hardFailed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "hard_failed",
			Help:      "Backend hard-failed state (1=hard-failed)",
		},
		[]string{"backend"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "circuit_breaker_state",
			Help:      "Error-spike breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	m.routingMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "mode",
			Help:      "Current routing mode (1 for the active mode)",
		},
		[]string{"mode"},
	)

	m.diversionRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "diversion_ratio",
			Help:      "Share of new traffic sent away from the primary",
		},
	)

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "transitions_total",
			Help:      "Routing state transitions",
		},
		[]string{"from", "to"},
	)

	m.transitionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "transitions_dropped_total",
			Help:      "Transition events dropped by a full audit sink",
		},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reload attempts by result",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.inFlight,
		m.failovers,
		m.admissionRejections,
		m.samplesTotal,
		m.sampleFailures,
		m.pressure,
		m.hardFailed,
		m.breakerState,
		m.routingMode,
		m.diversionRatio,
		m.transitions,
		m.transitionsDropped,
		m.configReloads,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a finished proxied request.
func (m *Metrics) RecordRequest(backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(backend, outcome).Inc()
	m.requestDuration.WithLabelValues(backend, outcome).Observe(duration.Seconds())
}

// SetInFlight sets the number of requests holding a slot on backend.
func (m *Metrics) SetInFlight(backend string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(backend).Set(float64(n))
}

// RecordFailover records a fail-over from one backend to another.
func (m *Metrics) RecordFailover(from, to string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(from, to).Inc()
}

// RecordAdmissionRejection records an overload rejection for backend.
func (m *Metrics) RecordAdmissionRejection(backend string) {
	if m == nil {
		return
	}
	m.admissionRejections.WithLabelValues(backend).Inc()
}

// RecordSample records a successful sample and its pressure value.
func (m *Metrics) RecordSample(backend string, pressure float64) {
	if m == nil {
		return
	}
	m.samplesTotal.WithLabelValues(backend).Inc()
	m.pressure.WithLabelValues(backend).Set(pressure)
	m.hardFailed.WithLabelValues(backend).Set(0)
}

// RecordSampleFailure records a failed sample. hardFailed reports whether
// the backend is hard-failed after this failure.
func (m *Metrics) RecordSampleFailure(backend, stage string, hardFailed bool) {
	if m == nil {
		return
	}
	m.sampleFailures.WithLabelValues(backend, stage).Inc()
	if hardFailed {
		m.hardFailed.WithLabelValues(backend).Set(1)
		m.pressure.WithLabelValues(backend).Set(-1)
	}
}

// SetBreakerState sets the breaker state gauge for backend.
func (m *Metrics) SetBreakerState(backend string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}

// SetRoutingMode marks mode as active among modes and sets the diversion ratio.
func (m *Metrics) SetRoutingMode(mode string, modes []string, ratio float64) {
	if m == nil {
		return
	}
	for _, candidate := range modes {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		m.routingMode.WithLabelValues(candidate).Set(v)
	}
	m.diversionRatio.Set(ratio)
}

// RecordTransition records a routing state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordTransitionDropped records an audit event dropped on overflow.
func (m *Metrics) RecordTransitionDropped() {
	if m == nil {
		return
	}
	m.transitionsDropped.Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
