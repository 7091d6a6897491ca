package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging returns a middleware that writes one access log line per request,
// including requests whose connection was aborted mid-stream.
func Logging(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			aborted := true
			defer func() {
				fields := []observability.Field{
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
					observability.String("query", r.URL.RawQuery),
					observability.Int("status", rw.status),
					observability.Int64("size", rw.size),
					observability.Duration("duration", time.Since(start)),
					observability.String("remote_addr", r.RemoteAddr),
					observability.String("user_agent", r.UserAgent()),
					observability.String("backend", rw.Header().Get("X-Kvgate-Backend")),
				}
				if aborted {
					fields = append(fields, observability.Bool("aborted", true))
				}
				logger.WithContext(r.Context()).Info("http request", fields...)
			}()

			next.ServeHTTP(rw, r)
			aborted = false
		})
	}
}
