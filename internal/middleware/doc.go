// Package middleware provides the HTTP middleware wrapped around the gateway
// mux.
//
// # Middleware Components
//
//   - Recovery: panic recovery with stack trace logging and a 500 envelope
//   - Client IP: proxy-aware client IP extraction
//   - Security Headers: nosniff, frame denial and referrer policy
//   - Body Limit: request body size limiting
//   - Active Connections: in-flight request gauge
//
// # Usage
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.Chain(mux,
//	    middleware.Recovery(logger, production),
//	    middleware.ActiveConnections(metrics),
//	    middleware.SecurityHeaders(),
//	    middleware.BodyLimit(10<<20, logger),
//	)
package middleware
