package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

var (
	errHeaderTimeout  = errors.New("timeout awaiting response headers")
	errRequestTimeout = errors.New("request timeout")
	errStreamIdle     = errors.New("stream idle timeout")
	errClientGone     = errors.New("client write failed")
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips hop-by-hop headers, including any listed in
// Connection.
func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// replayBody is a buffered request body that can be sent more than once.
type replayBody struct {
	data []byte
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) (*replayBody, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return &replayBody{}, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	return &replayBody{data: data}, nil
}

func (b *replayBody) body() (io.ReadCloser, error) {
	if len(b.data) == 0 {
		return http.NoBody, nil
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// outbound builds the request sent to d.
func (e *Engine) outbound(
	ctx context.Context,
	r *http.Request,
	d *backend.Descriptor,
	replay *replayBody,
	requestID string,
) (*http.Request, error) {
	u := *d.URL
	path := d.ForwardPath
	if path == "" {
		path = r.URL.Path
	}
	u.Path = joinPath(d.URL.Path, path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), http.NoBody)
	if err != nil {
		return nil, newProxyError("build_request", d.ID, "invalid outbound request", err)
	}

	switch {
	case replay != nil:
		out.Body, _ = replay.body()
		out.GetBody = replay.body
		out.ContentLength = int64(len(replay.data))
	case r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0:
		out.Body = r.Body
		out.ContentLength = r.ContentLength
	}

	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set(e.cfg.TraceHeader, requestID)
	observability.InjectTraceContext(ctx, out.Header)

	if _, ok := out.Header["User-Agent"]; !ok {
		// Keep the transport from adding its own.
		out.Header.Set("User-Agent", "")
	}
	out.Host = d.URL.Host
	return out, nil
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// forward sends r to d and streams the response into w.
func (e *Engine) forward(
	w http.ResponseWriter,
	r *http.Request,
	d *backend.Descriptor,
	replay *replayBody,
	requestID string,
) attempt {
	res := attempt{backend: d, started: time.Now(), outcome: OutcomeSuccess}

	done := d.Breaker().Begin()
	defer func() { done(!res.outcome.backendFault()) }()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	if e.cfg.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, e.cfg.RequestTimeout, errRequestTimeout)
		defer cancelTimeout()
	}

	out, err := e.outbound(ctx, r, d, replay, requestID)
	if err != nil {
		res.outcome, res.status, res.err = OutcomeBackendError, http.StatusBadGateway, err
		return res
	}

	var headerTimer *time.Timer
	if e.cfg.ResponseHeaderTimeout > 0 {
		headerTimer = time.AfterFunc(e.cfg.ResponseHeaderTimeout, func() { cancel(errHeaderTimeout) })
	}
	resp, err := e.transport.RoundTrip(out)
	if headerTimer != nil && !headerTimer.Stop() && err == nil {
		// The timer fired as the headers arrived and has already cancelled
		// ctx, so the body cannot be streamed.
		_ = resp.Body.Close()
		err = errHeaderTimeout
	}
	if err != nil {
		classify(r.Context(), ctx, &res, err)
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	res.status = resp.StatusCode
	if resp.StatusCode >= http.StatusInternalServerError {
		res.outcome = OutcomeBackendError
		res.err = fmt.Errorf("backend returned %d", resp.StatusCode)
	}

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(header)
	header.Set(BackendHeader, d.ID)
	w.WriteHeader(resp.StatusCode)
	res.committed = true

	n, err := e.stream(w, resp.Body, cancel)
	res.written = n
	if err == nil {
		return res
	}

	if errors.Is(err, errClientGone) || r.Context().Err() != nil {
		res.outcome, res.err = OutcomeCanceled, err
		return res
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	res.outcome = OutcomeTruncated
	res.err = fmt.Errorf("%w after %d bytes: %w", ErrTruncated, n, err)
	return res
}

// classify maps a transport error to an attempt outcome.
func classify(inbound, ctx context.Context, res *attempt, err error) {
	res.err = newProxyError("round_trip", res.backend.ID, "request failed", err)

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		res.outcome, res.status = OutcomeTooLarge, http.StatusRequestEntityTooLarge
	case inbound.Err() != nil:
		res.outcome = OutcomeCanceled
	case isTimeout(ctx, err):
		res.outcome, res.status, res.transport = OutcomeTimeout, http.StatusGatewayTimeout, true
		res.err = newProxyError("round_trip", res.backend.ID, ErrBackendTimeout.Error(), err)
	default:
		res.outcome, res.status, res.transport = OutcomeBackendError, http.StatusBadGateway, true
		res.err = newProxyError("round_trip", res.backend.ID, ErrBackendUnavailable.Error(), err)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	switch context.Cause(ctx) {
	case errHeaderTimeout, errRequestTimeout:
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// stream copies body into w, flushing after every chunk. Each read must
// complete within the stream idle timeout.
func (e *Engine) stream(w http.ResponseWriter, body io.Reader, cancel context.CancelCauseFunc) (int64, error) {
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	bufp := e.buffers.Get().(*[]byte)
	defer e.buffers.Put(bufp)
	buf := *bufp

	idle := e.cfg.StreamIdleTimeout
	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() { cancel(errStreamIdle) })
		defer timer.Stop()
	}

	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if timer != nil {
				timer.Reset(idle)
			}
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fmt.Errorf("%w: %w", errClientGone, werr)
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
