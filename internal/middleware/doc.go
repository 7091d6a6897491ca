// Package middleware provides the HTTP middleware wrapped around the
// inbound proxy handler.
//
// Middleware functions follow the standard Go pattern and are composed
// with Chain, outermost first:
//
//	handler := middleware.Chain(engine,
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	)
//
// Every wrapper keeps http.Flusher working so streamed responses are not
// buffered.
package middleware
