package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/kvgate/internal/admission"
	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

// BackendHeader carries the id of the backend a request was bound to.
const BackendHeader = "X-Kvgate-Backend"

// streamBufferSize is the copy buffer used for response bodies.
const streamBufferSize = 32 << 10

// FailureMode selects what happens when the bound backend cannot be reached.
type FailureMode int

// Failure modes.
const (
	// FailFast returns the error to the caller.
	FailFast FailureMode = iota
	// FailOver retries once against an alternate backend, as long as no
	// response byte has been sent.
	FailOver
)

// ParseFailureMode parses a configured failure mode.
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "", config.FailFast:
		return FailFast, nil
	case config.FailOver:
		return FailOver, nil
	default:
		return 0, fmt.Errorf("unknown failure mode %q", s)
	}
}

// String returns the configured name of m.
func (m FailureMode) String() string {
	if m == FailOver {
		return config.FailOver
	}
	return config.FailFast
}

// Decisions supplies the current routing decision.
type Decisions interface {
	Current() *routing.Decision
}

// Config configures the engine.
type Config struct {
	FailureMode FailureMode
	// ResponseHeaderTimeout bounds the wait for response headers.
	ResponseHeaderTimeout time.Duration
	// RequestTimeout bounds a whole attempt, streaming included. Zero
	// disables it.
	RequestTimeout time.Duration
	// StreamIdleTimeout bounds the wait for each chunk of the response body.
	StreamIdleTimeout time.Duration
	MaxBodyBytes      int64
	// TraceHeader is set to the request id on every forwarded request.
	TraceHeader string
}

// ConfigFromProxy converts proxy configuration.
func ConfigFromProxy(c config.ProxyConfig) (Config, error) {
	mode, err := ParseFailureMode(c.FailureMode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		FailureMode:           mode,
		ResponseHeaderTimeout: c.ResponseHeaderTimeout.Duration(),
		RequestTimeout:        c.RequestTimeout.Duration(),
		StreamIdleTimeout:     c.StreamIdleTimeout.Duration(),
		MaxBodyBytes:          c.MaxBodyBytes,
		TraceHeader:           c.TraceHeader,
	}, nil
}

// Engine is the inbound request handler.
type Engine struct {
	cfg       Config
	decisions Decisions
	registry  *backend.Registry
	guard     *admission.Guard
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *observability.Metrics
	random    func() float64
	buffers   sync.Pool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransport sets the outbound transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) {
		e.transport = rt
	}
}

// WithLogger sets the engine logger.
func WithLogger(l observability.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRandom sets the uniform [0, 1) source used for weighted picks.
func WithRandom(fn func() float64) Option {
	return func(e *Engine) {
		e.random = fn
	}
}

// New creates an engine.
func New(
	cfg Config,
	decisions Decisions,
	registry *backend.Registry,
	guard *admission.Guard,
	opts ...Option,
) *Engine {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if cfg.TraceHeader == "" {
		cfg.TraceHeader = config.DefaultTraceHeader
	}

	e := &Engine{
		cfg:       cfg,
		decisions: decisions,
		registry:  registry,
		guard:     guard,
		logger:    observability.NopLogger(),
		random:    rand.Float64,
	}
	e.buffers.New = func() any {
		buf := make([]byte, streamBufferSize)
		return &buf
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = backend.NewTransport(backend.DefaultPoolConfig())
	}
	return e
}

// attempt is the result of forwarding a request to one backend.
type attempt struct {
	backend *backend.Descriptor
	started time.Time
	outcome Outcome
	status  int
	written int64
	err     error
	// committed is set once response headers were sent to the caller.
	committed bool
	// transport failures happen before any response; only those may fail over.
	transport bool
}

func (a *attempt) retryable() bool {
	return !a.committed && a.transport
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = observability.ContextWithRequestID(ctx, requestID)
		r = r.WithContext(ctx)
	}
	log := e.logger.WithContext(ctx)

	// The decision is read exactly once; later transitions do not affect
	// this request.
	decision := e.decisions.Current()
	target, ok := e.registry.Get(decision.Pick(e.random()))
	if !decision.Available() || !ok {
		e.metrics.RecordRequest("none", string(OutcomeUnavailable), time.Since(start))
		log.Warn("request rejected",
			observability.String("outcome", string(OutcomeUnavailable)),
			observability.String("routing_mode", decision.Mode.String()),
		)
		writeError(w, http.StatusServiceUnavailable, CodeAllBackendsUnavailable,
			ErrAllBackendsUnavailable.Error(), "", requestID)
		return
	}

	replay, err := e.prepareBody(w, r)
	if err != nil {
		e.rejectBody(w, log, start, target.ID, requestID, err)
		return
	}

	slot, err := e.guard.Reserve(ctx, target.ID)
	if err != nil {
		e.rejectAdmission(ctx, w, log, start, target.ID, requestID, err)
		return
	}
	res := e.forward(w, r, target, replay, requestID)
	slot.Release()

	failoverFrom := ""
	if e.cfg.FailureMode == FailOver && res.retryable() {
		if alt, altSlot := e.alternate(ctx, target.ID); alt != nil {
			e.record(&res)
			e.metrics.RecordFailover(target.ID, alt.ID)
			log.Warn("failing over to alternate backend",
				observability.String("from", target.ID),
				observability.String("to", alt.ID),
				observability.String("outcome", string(res.outcome)),
				observability.Error(res.err),
			)
			failoverFrom = target.ID
			res = e.forward(w, r, alt, replay, requestID)
			altSlot.Release()
		}
	}

	e.complete(w, log, start, &res, failoverFrom, requestID)
}

// prepareBody enforces the body limit. In fail-over mode the body is
// buffered so it can be replayed; otherwise it is streamed.
func (e *Engine) prepareBody(w http.ResponseWriter, r *http.Request) (*replayBody, error) {
	limit := e.cfg.MaxBodyBytes
	if r.ContentLength > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	if e.cfg.FailureMode == FailOver {
		return readBody(w, r, limit)
	}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	return nil, nil
}

func (e *Engine) rejectBody(
	w http.ResponseWriter,
	log observability.Logger,
	start time.Time,
	backendID, requestID string,
	err error,
) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		e.metrics.RecordRequest(backendID, string(OutcomeTooLarge), time.Since(start))
		log.Warn("request body too large",
			observability.String("backend", backendID),
			observability.Int64("limit", tooLarge.Limit),
		)
		writeError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge,
			fmt.Sprintf("%s: limit is %d bytes", ErrRequestTooLarge, tooLarge.Limit), "", requestID)
		return
	}

	e.metrics.RecordRequest(backendID, string(OutcomeCanceled), time.Since(start))
	log.Debug("failed to read request body", observability.Error(err))
	writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body", "", requestID)
}

func (e *Engine) rejectAdmission(
	ctx context.Context,
	w http.ResponseWriter,
	log observability.Logger,
	start time.Time,
	backendID, requestID string,
	err error,
) {
	switch {
	case errors.Is(err, admission.ErrOverloaded):
		e.metrics.RecordRequest(backendID, string(OutcomeRejectedByGuard), time.Since(start))
		w.Header().Set(BackendHeader, backendID)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, CodeOverloaded, err.Error(), backendID, requestID)
	case ctx.Err() != nil:
		e.metrics.RecordRequest(backendID, string(OutcomeCanceled), time.Since(start))
		log.Debug("client went away while waiting for admission",
			observability.String("backend", backendID),
			observability.Error(err),
		)
	default:
		e.metrics.RecordRequest(backendID, string(OutcomeBackendError), time.Since(start))
		log.Error("admission failed",
			observability.String("backend", backendID),
			observability.Error(err),
		)
		writeError(w, http.StatusBadGateway, CodeBackendUnavailable,
			ErrBackendUnavailable.Error(), backendID, requestID)
	}
}

// alternate reserves a slot on the first eligible backend other than
// failed, in role order.
func (e *Engine) alternate(ctx context.Context, failed string) (*backend.Descriptor, *admission.Slot) {
	for _, d := range e.registry.All() {
		if d.ID == failed || !d.Eligible() {
			continue
		}
		slot, err := e.guard.Reserve(ctx, d.ID)
		if err != nil {
			continue
		}
		return d, slot
	}
	return nil, nil
}

func (e *Engine) record(res *attempt) {
	e.metrics.RecordRequest(res.backend.ID, string(res.outcome), time.Since(res.started))
}

// complete records the final attempt and reports failures that happened
// before the response was committed.
func (e *Engine) complete(
	w http.ResponseWriter,
	log observability.Logger,
	start time.Time,
	res *attempt,
	failoverFrom, requestID string,
) {
	e.record(res)

	fields := []observability.Field{
		observability.String("backend", res.backend.ID),
		observability.String("outcome", string(res.outcome)),
		observability.Int("status", res.status),
		observability.Int64("bytes", res.written),
		observability.Duration("duration", time.Since(start)),
	}
	if failoverFrom != "" {
		fields = append(fields, observability.String("failover_from", failoverFrom))
	}
	if res.err != nil {
		fields = append(fields, observability.Error(res.err))
	}

	switch res.outcome {
	case OutcomeSuccess:
		log.Debug("request proxied", fields...)
	case OutcomeCanceled:
		log.Debug("request canceled by client", fields...)
	default:
		log.Warn("request failed", fields...)
	}

	if res.committed {
		if res.outcome == OutcomeTruncated {
			// Abort the connection so the caller sees an incomplete response
			// instead of a clean end of stream.
			panic(http.ErrAbortHandler)
		}
		return
	}

	w.Header().Set(BackendHeader, res.backend.ID)
	switch res.outcome {
	case OutcomeTimeout:
		writeError(w, http.StatusGatewayTimeout, CodeBackendTimeout,
			ErrBackendTimeout.Error(), res.backend.ID, requestID)
	case OutcomeTooLarge:
		writeError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge,
			ErrRequestTooLarge.Error(), res.backend.ID, requestID)
	case OutcomeCanceled:
		// Nobody is listening.
	default:
		writeError(w, http.StatusBadGateway, CodeBackendUnavailable,
			ErrBackendUnavailable.Error(), res.backend.ID, requestID)
	}
}
