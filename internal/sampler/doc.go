// Package sampler polls each backend's Prometheus metrics endpoint and
// publishes its normalized KV-cache pressure.
//
// Every backend gets an independent polling goroutine with a per-poll
// deadline shorter than the polling interval. A successful poll publishes
// the pressure into the backend descriptor and resets its failure count. A
// failed poll keeps the previous reading until the configured failure
// ceiling is reached, then marks the backend hard-failed and its pressure
// Unknown. After each poll the configured Observer is notified; the routing
// controller uses that to re-evaluate its decision once per sample.
package sampler
