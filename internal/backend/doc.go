// Package backend describes the inference backends kvgate routes to.
//
// A Descriptor pairs a backend's static identity (id, url, role, admission
// ceiling) with its live state: the latest KV-cache pressure reading, the
// consecutive sampling failure count, the hard-failed flag and the number of
// in-flight requests. All live state is published through atomics so the
// request path never takes a lock to read it.
//
// A Breaker counts forwarding failures per backend. While it is open the
// routing layer treats the backend as saturated.
package backend
