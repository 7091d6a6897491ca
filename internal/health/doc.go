// Package health reports kvgate liveness and readiness.
//
// The Checker aggregates named checks and serves them over HTTP through gin
// handlers. The GRPCServer exposes the standard grpc.health.v1 service; its
// serving status follows routing transitions, so a load balancer stops
// sending traffic while no backend is eligible.
package health
