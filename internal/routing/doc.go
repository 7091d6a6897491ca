// Package routing turns sampled KV-cache pressure into the routing decision
// every inbound request is bound to.
//
// Evaluate is a pure transition function over an immutable Decision. The
// Controller serializes evaluations triggered by samples, breaker changes and
// threshold reloads, and publishes every new Decision through an atomic
// pointer so the proxy reads a consistent snapshot without locking.
//
// Two policies are supported. Hysteresis switches all new traffic between
// the primary and the first eligible fallback using a high and a low
// watermark plus a recovery dwell. Weighted shifts a share of traffic
// linearly between the watermarks and re-evaluates at most once per
// re-evaluation interval.
package routing
