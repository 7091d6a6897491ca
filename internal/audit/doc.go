// Package audit records routing transitions outside the process log.
//
// LogSink appends one JSON line per transition to a file or standard
// stream. RedisSink appends each transition to a capped Redis stream so
// other tooling can follow routing changes. Both implement
// routing.TransitionSink and never block the routing controller.
package audit
