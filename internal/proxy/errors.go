package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for proxy operations.
var (
	// ErrAllBackendsUnavailable indicates routing is Unavailable.
	ErrAllBackendsUnavailable = errors.New("all backends unavailable")

	// ErrBackendUnavailable indicates the backend refused or dropped the
	// connection before responding.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendTimeout indicates the backend did not respond in time.
	ErrBackendTimeout = errors.New("backend timed out")

	// ErrRequestTooLarge indicates the request body exceeded the limit.
	ErrRequestTooLarge = errors.New("request body too large")

	// ErrTruncated indicates the response failed after streaming began.
	ErrTruncated = errors.New("response truncated")
)

// Error codes returned in JSON error bodies.
const (
	CodeAllBackendsUnavailable = "all_backends_unavailable"
	CodeOverloaded             = "overloaded"
	CodeBackendUnavailable     = "backend_unavailable"
	CodeBackendTimeout         = "backend_timeout"
	CodeRequestTooLarge        = "request_too_large"
)

// ProxyError is a per-request forwarding failure.
type ProxyError struct {
	Op      string // Operation that failed
	Backend string // Bound backend, if any
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	switch {
	case e.Backend != "" && e.Cause != nil:
		return fmt.Sprintf("proxy error [%s] backend=%s: %s: %v", e.Op, e.Backend, e.Message, e.Cause)
	case e.Backend != "":
		return fmt.Sprintf("proxy error [%s] backend=%s: %s", e.Op, e.Backend, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("proxy error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	default:
		return fmt.Sprintf("proxy error [%s]: %s", e.Op, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}

func newProxyError(op, backendID, message string, cause error) *ProxyError {
	return &ProxyError{Op: op, Backend: backendID, Message: message, Cause: cause}
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Backend   string `json:"backend,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message, backendID, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     code,
		Message:   message,
		Backend:   backendID,
		RequestID: requestID,
	})
}
