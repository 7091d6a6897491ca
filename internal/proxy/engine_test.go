package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/kvgate/internal/admission"
	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

type staticDecisions struct {
	d atomic.Pointer[routing.Decision]
}

func (s *staticDecisions) Current() *routing.Decision { return s.d.Load() }

func (s *staticDecisions) set(d routing.Decision) { s.d.Store(&d) }

func normal() routing.Decision {
	return routing.Decision{Mode: routing.ModeNormal, Target: "h100"}
}

func diverted() routing.Decision {
	return routing.Decision{Mode: routing.ModeDiverted, Target: "l40", DiversionRatio: 1}
}

// countingBackend wraps a handler and counts the requests it serves.
type countingBackend struct {
	*httptest.Server
	hits atomic.Int32
}

func newBackend(t *testing.T, h http.HandlerFunc) *countingBackend {
	t.Helper()
	b := &countingBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

type harness struct {
	front     *httptest.Server
	decisions *staticDecisions
	registry  *backend.Registry
	metrics   *observability.Metrics
}

type harnessOpts struct {
	primaryURL     string
	secondaryURL   string
	primaryLimit   int
	secondaryLimit int
	primaryBreaker *backend.Breaker
	random         func() float64
	transport      http.RoundTripper
}

func newHarness(t *testing.T, cfg Config, o harnessOpts) *harness {
	t.Helper()

	popts := []backend.DescriptorOption{
		backend.WithForwardPath("/v2/models/ensemble/generate"),
		backend.WithMaxConcurrency(o.primaryLimit),
	}
	if o.primaryBreaker != nil {
		popts = append(popts, backend.WithBreaker(o.primaryBreaker))
	}
	p, err := backend.NewDescriptor("h100", o.primaryURL, backend.RolePrimary, popts...)
	require.NoError(t, err)
	s, err := backend.NewDescriptor("l40", o.secondaryURL, backend.RoleSecondary,
		backend.WithMaxConcurrency(o.secondaryLimit))
	require.NoError(t, err)
	reg, err := backend.NewRegistry(p, s)
	require.NoError(t, err)

	decisions := &staticDecisions{}
	decisions.set(normal())
	metrics := observability.NewMetrics("test")

	opts := []Option{WithMetrics(metrics), WithLogger(observability.NopLogger())}
	if o.random != nil {
		opts = append(opts, WithRandom(o.random))
	}
	if o.transport != nil {
		opts = append(opts, WithTransport(o.transport))
	}
	engine := New(cfg, decisions, reg, admission.NewGuard(reg, 0), opts...)

	front := httptest.NewServer(engine)
	t.Cleanup(front.Close)

	return &harness{front: front, decisions: decisions, registry: reg, metrics: metrics}
}

func testConfig(mode FailureMode) Config {
	return Config{
		FailureMode:           mode,
		ResponseHeaderTimeout: 5 * time.Second,
		StreamIdleTimeout:     5 * time.Second,
		MaxBodyBytes:          1 << 20,
		TraceHeader:           config.DefaultTraceHeader,
	}
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.front.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestParseFailureMode(t *testing.T) {
	t.Parallel()

	m, err := ParseFailureMode("fail-over")
	require.NoError(t, err)
	assert.Equal(t, FailOver, m)
	assert.Equal(t, "fail-over", m.String())

	m, err = ParseFailureMode("")
	require.NoError(t, err)
	assert.Equal(t, FailFast, m)

	_, err = ParseFailureMode("retry-forever")
	assert.Error(t, err)

	cfg, err := ConfigFromProxy(config.ProxyConfig{
		FailureMode:       config.FailOver,
		StreamIdleTimeout: config.Duration(time.Minute),
		MaxBodyBytes:      42,
	})
	require.NoError(t, err)
	assert.Equal(t, FailOver, cfg.FailureMode)
	assert.Equal(t, time.Minute, cfg.StreamIdleTimeout)
	assert.Equal(t, int64(42), cfg.MaxBodyBytes)
}

func TestEngine_ForwardsRequest(t *testing.T) {
	t.Parallel()

	var got *http.Request
	var gotBody string
	primary := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Model", "ensemble")
		_, _ = io.WriteString(w, `{"text_output":"hello"}`)
	})
	secondary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {})

	h := newHarness(t, testConfig(FailFast), harnessOpts{primaryURL: primary.URL, secondaryURL: secondary.URL})

	req, err := http.NewRequest(http.MethodPost, h.front.URL+"/generate?stream=false", strings.NewReader(`{"text_input":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"text_output":"hello"}`, string(body))
	assert.Equal(t, "h100", resp.Header.Get(BackendHeader))
	assert.Equal(t, "ensemble", resp.Header.Get("X-Model"))

	require.NotNil(t, got)
	assert.Equal(t, "/v2/models/ensemble/generate", got.URL.Path)
	assert.Equal(t, "stream=false", got.URL.RawQuery)
	assert.Equal(t, `{"text_input":"hi"}`, gotBody)
	assert.Equal(t, "Bearer abc", got.Header.Get("Authorization"))
	assert.NotEmpty(t, got.Header.Get(config.DefaultTraceHeader))
	assert.Equal(t, "127.0.0.1", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, strings.TrimPrefix(h.front.URL, "http://"), got.Header.Get("X-Forwarded-Host"))
	assert.Zero(t, secondary.hits.Load())
}

func TestEngine_UsesInboundRequestID(t *testing.T) {
	t.Parallel()

	var trace string
	primary := newBackend(t, func(_ http.ResponseWriter, r *http.Request) {
		trace = r.Header.Get("X-Trace-ID")
	})
	p, err := backend.NewDescriptor("h100", primary.URL, backend.RolePrimary)
	require.NoError(t, err)
	reg, err := backend.NewRegistry(p)
	require.NoError(t, err)
	decisions := &staticDecisions{}
	decisions.set(normal())

	engine := New(Config{}, decisions, reg, admission.NewGuard(reg, 0))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req = req.WithContext(observability.ContextWithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", trace)
}

func TestEngine_AllBackendsUnavailable(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(http.ResponseWriter, *http.Request) {})
	h := newHarness(t, testConfig(FailOver), harnessOpts{primaryURL: primary.URL, secondaryURL: primary.URL})
	h.decisions.set(routing.Decision{Mode: routing.ModeUnavailable, Reason: routing.ReasonNoBackend})

	resp := h.post(t, "/generate", "{}")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, CodeAllBackendsUnavailable, body.Error)
	assert.NotEmpty(t, body.RequestID)
	assert.Zero(t, primary.hits.Load())
}

func TestEngine_OverloadIsDistinctFromBackendErrors(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		_, _ = io.WriteString(w, "ok")
	})
	h := newHarness(t, testConfig(FailFast), harnessOpts{
		primaryURL:   primary.URL,
		secondaryURL: deadURL(t),
		primaryLimit: 1,
	})

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(h.front.URL+"/generate", "application/json", strings.NewReader("{}"))
		if err == nil {
			done <- resp
		}
		close(done)
	}()
	<-entered

	resp := h.post(t, "/generate", "{}")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "h100", resp.Header.Get(BackendHeader))
	assert.Equal(t, CodeOverloaded, decodeError(t, resp).Error)

	close(release)
	first := <-done
	require.NotNil(t, first)
	defer first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	p, _ := h.registry.Get("h100")
	assert.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_FailFast(t *testing.T) {
	t.Parallel()

	secondary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "from l40")
	})
	h := newHarness(t, testConfig(FailFast), harnessOpts{primaryURL: deadURL(t), secondaryURL: secondary.URL})

	resp := h.post(t, "/generate", "{}")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "h100", resp.Header.Get(BackendHeader))
	body := decodeError(t, resp)
	assert.Equal(t, CodeBackendUnavailable, body.Error)
	assert.Equal(t, "h100", body.Backend)
	assert.Zero(t, secondary.hits.Load())
}

func TestEngine_FailOverBeforeFirstByte(t *testing.T) {
	t.Parallel()

	var replayed string
	secondary := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		replayed = string(b)
		_, _ = io.WriteString(w, "from l40")
	})
	h := newHarness(t, testConfig(FailOver), harnessOpts{primaryURL: deadURL(t), secondaryURL: secondary.URL})

	resp := h.post(t, "/generate", `{"text_input":"replay me"}`)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "l40", resp.Header.Get(BackendHeader))
	assert.Equal(t, "from l40", string(body))
	assert.Equal(t, `{"text_input":"replay me"}`, replayed)
	assert.Equal(t, int32(1), secondary.hits.Load())
}

func TestEngine_FailOverWithoutAlternate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(FailOver), harnessOpts{primaryURL: deadURL(t), secondaryURL: deadURL(t)})
	l40, _ := h.registry.Get("l40")
	for i := 0; i < 5; i++ {
		l40.RecordFailure(assert.AnError, 5)
	}

	resp := h.post(t, "/generate", "{}")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "h100", decodeError(t, resp).Backend)
}

func TestEngine_ResponseHeaderTimeout(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	})
	cfg := testConfig(FailFast)
	cfg.ResponseHeaderTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, harnessOpts{primaryURL: primary.URL, secondaryURL: deadURL(t)})

	start := time.Now()
	resp := h.post(t, "/generate", "{}")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, CodeBackendTimeout, decodeError(t, resp).Error)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestEngine_HeadersRacingHeaderTimeout(t *testing.T) {
	t.Parallel()

	// Answers only after the header timer has fired, ignoring cancellation.
	late := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		time.Sleep(100 * time.Millisecond)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("late")),
			Request:    r,
		}, nil
	})
	cfg := testConfig(FailFast)
	cfg.ResponseHeaderTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, harnessOpts{
		primaryURL:   "http://10.0.0.1:8000",
		secondaryURL: "http://10.0.0.2:8000",
		transport:    late,
	})

	resp := h.post(t, "/generate", "{}")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, CodeBackendTimeout, decodeError(t, resp).Error)
}

func TestEngine_AdmissionErrorIsNotSilent(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p, err := backend.NewDescriptor("h100", primary.URL, backend.RolePrimary)
	require.NoError(t, err)
	reg, err := backend.NewRegistry(p)
	require.NoError(t, err)

	// A guard that does not know h100.
	other, err := backend.NewDescriptor("other", primary.URL, backend.RolePrimary)
	require.NoError(t, err)
	otherReg, err := backend.NewRegistry(other)
	require.NoError(t, err)

	decisions := &staticDecisions{}
	decisions.set(normal())
	engine := New(testConfig(FailFast), decisions, reg, admission.NewGuard(otherReg, 0),
		WithLogger(observability.NopLogger()))
	front := httptest.NewServer(engine)
	t.Cleanup(front.Close)

	resp, err := http.Post(front.URL+"/generate", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, CodeBackendUnavailable, body.Error)
	assert.Equal(t, "h100", body.Backend)
	assert.Zero(t, primary.hits.Load())
}

func TestEngine_RequestTooLarge(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(http.ResponseWriter, *http.Request) {})

	for _, mode := range []FailureMode{FailFast, FailOver} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := testConfig(mode)
			cfg.MaxBodyBytes = 16
			h := newHarness(t, cfg, harnessOpts{primaryURL: primary.URL, secondaryURL: primary.URL})

			resp := h.post(t, "/generate", strings.Repeat("x", 64))
			assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
			assert.Equal(t, CodeRequestTooLarge, decodeError(t, resp).Error)
		})
	}
	assert.Zero(t, primary.hits.Load())
}

func TestEngine_TruncatedStreamIsNeverRetried(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"text_output\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})
	secondary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data: {\"text_output\":\"complete\"}\n\n")
	})
	h := newHarness(t, testConfig(FailOver), harnessOpts{primaryURL: primary.URL, secondaryURL: secondary.URL})

	resp := h.post(t, "/generate_stream", "{}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "h100", resp.Header.Get(BackendHeader))

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "the caller must see an incomplete response")
	assert.Contains(t, string(body), "partial")
	assert.NotContains(t, string(body), "complete")
	assert.Zero(t, secondary.hits.Load())

	p, _ := h.registry.Get("h100")
	assert.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_StreamIdleTimeoutTruncates(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	})
	cfg := testConfig(FailOver)
	cfg.StreamIdleTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, harnessOpts{primaryURL: primary.URL, secondaryURL: deadURL(t)})

	start := time.Now()
	resp := h.post(t, "/generate_stream", "{}")
	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Equal(t, "data: first\n\n", string(body))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEngine_StreamsIncrementally(t *testing.T) {
	t.Parallel()

	next := make(chan struct{})
	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: one\n")
		w.(http.Flusher).Flush()
		<-next
		_, _ = io.WriteString(w, "data: two\n")
	})
	h := newHarness(t, testConfig(FailFast), harnessOpts{primaryURL: primary.URL, secondaryURL: deadURL(t)})

	resp := h.post(t, "/generate_stream", "{}")
	reader := bufio.NewReader(resp.Body)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: one\n", line, "the first chunk arrives before the backend finishes")

	close(next)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: two\n", line)
}

func TestEngine_BindingSurvivesTransition(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, "from h100")
	})
	secondary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "from l40")
	})
	h := newHarness(t, testConfig(FailOver), harnessOpts{primaryURL: primary.URL, secondaryURL: secondary.URL})

	type result struct {
		backend string
		body    string
	}
	first := make(chan result, 1)
	go func() {
		resp, err := http.Post(h.front.URL+"/generate", "application/json", strings.NewReader("{}"))
		if err != nil {
			close(first)
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		first <- result{backend: resp.Header.Get(BackendHeader), body: string(b)}
	}()

	<-entered
	h.decisions.set(diverted())

	resp := h.post(t, "/generate", "{}")
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "l40", resp.Header.Get(BackendHeader))
	assert.Equal(t, "from l40", string(b))

	close(release)
	r, ok := <-first
	require.True(t, ok)
	assert.Equal(t, "h100", r.backend, "a request admitted before the transition stays on its backend")
	assert.Equal(t, "from h100", r.body)
}

func TestEngine_WeightedPick(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "h100") })
	secondary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "l40") })

	var draw atomic.Int64
	h := newHarness(t, testConfig(FailFast), harnessOpts{
		primaryURL:   primary.URL,
		secondaryURL: secondary.URL,
		random:       func() float64 { return float64(draw.Load()) / 100 },
	})
	h.decisions.set(routing.Decision{
		Mode:           routing.ModeDiverted,
		Target:         "h100",
		DiversionRatio: 0.3,
		Weights:        []routing.Weight{{Backend: "h100", Weight: 0.7}, {Backend: "l40", Weight: 0.3}},
	})

	draw.Store(10)
	assert.Equal(t, "h100", h.post(t, "/generate", "{}").Header.Get(BackendHeader))
	draw.Store(85)
	assert.Equal(t, "l40", h.post(t, "/generate", "{}").Header.Get(BackendHeader))
}

func TestEngine_BackendErrorsFeedBreaker(t *testing.T) {
	t.Parallel()

	primary := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "engine crashed", http.StatusInternalServerError)
	})
	breaker := backend.NewBreaker("h100", 2, time.Hour)
	h := newHarness(t, testConfig(FailOver), harnessOpts{
		primaryURL:     primary.URL,
		secondaryURL:   deadURL(t),
		primaryBreaker: breaker,
	})

	for i := 0; i < 2; i++ {
		resp := h.post(t, "/generate", "{}")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "backend responses pass through")
	}
	assert.True(t, breaker.Open())
}

func TestEngine_ClientCancelReleasesSlot(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	primary := newBackend(t, func(_ http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})
	h := newHarness(t, testConfig(FailOver), harnessOpts{
		primaryURL:   primary.URL,
		secondaryURL: deadURL(t),
		primaryLimit: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.front.URL+"/generate", strings.NewReader("{}"))
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
		}
		errc <- err
	}()

	<-entered
	p, _ := h.registry.Get("h100")
	assert.Equal(t, int64(1), p.InFlight())

	cancel()
	assert.Error(t, <-errc)
	assert.Eventually(t, func() bool { return p.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRemoveHopHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Session-Hop")
	h.Set("X-Session-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Upgrade", "h2c")
	h.Set("Content-Type", "application/json")

	removeHopHeaders(h)
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Session-Hop"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Upgrade"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/v2/generate", joinPath("", "/v2/generate"))
	assert.Equal(t, "/v2/generate", joinPath("/", "v2/generate"))
	assert.Equal(t, "/api/v2/generate", joinPath("/api/", "/v2/generate"))
	assert.Equal(t, "/", joinPath("", ""))
}

func TestProxyError(t *testing.T) {
	t.Parallel()

	err := newProxyError("round_trip", "h100", "request failed", assert.AnError)
	assert.Contains(t, err.Error(), "backend=h100")
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, IsProxyError(err))
	assert.False(t, IsProxyError(assert.AnError))
	assert.Equal(t, "proxy error [op]: msg", (&ProxyError{Op: "op", Message: "msg"}).Error())
}
