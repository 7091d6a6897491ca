// Package proxy forwards inference requests to the backend chosen by the
// routing controller and streams the response back.
//
// Each request loads the routing decision once and is bound to the backend
// it picks for its whole lifetime. Forwarding reserves an admission slot,
// rewrites the request for the backend, and copies the response through a
// fixed buffer, flushing after every chunk so streamed tokens reach the
// caller as they are produced.
//
// A connection or timeout failure before any response byte may be retried
// once against an alternate backend when fail-over is configured. After the
// first byte has been sent the request is never retried: a broken stream is
// reported as truncated and the client connection is aborted.
package proxy
