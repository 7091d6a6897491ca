package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "kvgate"}, NopLogger())
	require.NoError(t, err)
	require.NotNil(t, tracer)

	_, span := tracer.StartSpan(context.Background(), "test")
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNilTracer(t *testing.T) {
	t.Parallel()

	var tracer *Tracer
	_, span := tracer.StartSpan(context.Background(), "test")
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "kvgate"}, NopLogger())
	require.NoError(t, err)

	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.(http.Flusher).Flush()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/completions", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, rec.Flushed)
}

func TestInjectTraceContext(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	assert.NotPanics(t, func() {
		InjectTraceContext(context.Background(), header)
	})
}
