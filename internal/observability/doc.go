// Package observability provides logging, metrics, and tracing for kvgate.
//
// Logging is structured through zap behind the Logger interface:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("routing transition",
//	    observability.String("from", "normal"),
//	    observability.String("to", "diverted"),
//	)
//
// Metrics live on a private Prometheus registry exposed by Metrics.Handler.
// Per-backend counters cover proxied requests by outcome, latency, admission
// rejections, sampling results and KV-cache pressure; routing gauges report
// the active mode and diversion ratio.
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter and W3C trace
// context propagation.
package observability
