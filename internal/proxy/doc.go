// Package proxy forwards pipeline requests to backend instances.
//
// The executor rewrites nothing itself: callers pass the final path, query
// and header set, built with Rewrite and OutboundHeaders. Forward reads the
// whole backend response so it can be transformed and cached, strips
// hop-by-hop and server-identifying headers, and feeds the call outcome back
// to the load balancer.
//
// # Usage
//
//	exec := proxy.NewExecutor(balancer,
//	    proxy.WithLogger(logger),
//	    proxy.WithTimeout(30*time.Second),
//	)
//	resp, err := exec.Forward(ctx, "property-service", inst, &proxy.Request{
//	    Method: http.MethodGet,
//	    Path:   proxy.Rewrite{Prefix: "/api/v1/properties"}.Apply(r.URL.Path),
//	    Header: proxy.OutboundHeaders(r.Header, fwd),
//	})
package proxy
