// Package gateway wires the request pipeline and the HTTP server.
//
// Every proxied request runs through an ordered stage list. Each stage
// returns an Outcome that either continues to the next stage, responds
// at once (a cache hit), or fails with an apierror:
//
//	correlation → client → route → auth → ratelimit → validate →
//	cache_lookup → transform → select → forward → response_transform →
//	cache_store
//
// Whatever the outcome, the pipeline then refunds skip-successful rate
// limit hits, writes the response with X-Correlation-ID and the
// X-RateLimit-* headers, records request metrics and logs one access line.
//
// # Routes
//
// Routes map a path prefix to a backend service. The longest matching
// prefix wins, and a prefix only matches on a segment boundary:
//
//	table, err := NewRouteTable(cfg.Routes, RouteOptions{TTL: ttl})
//	pipeline, err := NewPipeline(Config{Version: version}, table, Dependencies{
//	    Auth:      gate,
//	    Limiter:   limits,
//	    Cache:     layer,
//	    Selector:  balancer,
//	    Forwarder: executor,
//	})
//
// The route table can be swapped at runtime with SetRoutes.
package gateway
