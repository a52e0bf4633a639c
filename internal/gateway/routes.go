package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vyrodovalexey/propgw/internal/auth"
	"github.com/vyrodovalexey/propgw/internal/cache"
	"github.com/vyrodovalexey/propgw/internal/config"
	"github.com/vyrodovalexey/propgw/internal/proxy"
)

// RouteCache is the resolved cache policy of a route.
type RouteCache struct {
	Enabled  bool
	Category cache.Category
	TTL      time.Duration
}

type gate struct {
	// methods is nil when the gate applies to every method.
	methods      map[string]bool
	requirements []auth.Requirement
}

// Route maps a path prefix to a backend service.
type Route struct {
	Name       string
	Prefix     string
	Service    string
	Rewrite    proxy.Rewrite
	Auth       auth.Mode
	RateLimits []string
	Validator  Validator
	Cache      RouteCache

	gates []gate
}

// Matches reports whether path falls under the route prefix on a segment
// boundary.
func (r *Route) Matches(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	if len(path) == len(r.Prefix) || strings.HasSuffix(r.Prefix, "/") {
		return true
	}
	return path[len(r.Prefix)] == '/'
}

// Requirements returns the authorization checks that apply to method.
func (r *Route) Requirements(method string) []auth.Requirement {
	var reqs []auth.Requirement
	for _, g := range r.gates {
		if g.methods == nil || g.methods[method] {
			reqs = append(reqs, g.requirements...)
		}
	}
	return reqs
}

// RouteOptions supplies the settings routes are resolved against.
type RouteOptions struct {
	TTL       cache.TTLConfig
	MFAWindow time.Duration
	Now       func() time.Time
}

// RouteTable matches request paths by longest prefix.
type RouteTable struct {
	routes []*Route
}

// NewRouteTable resolves route configuration into a table.
func NewRouteTable(cfgs []config.RouteConfig, opts RouteOptions) (*RouteTable, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MFAWindow <= 0 {
		opts.MFAWindow = auth.DefaultMFAWindow
	}

	routes := make([]*Route, 0, len(cfgs))
	for _, rc := range cfgs {
		route, err := newRoute(rc, opts)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}
		routes = append(routes, route)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return &RouteTable{routes: routes}, nil
}

func newRoute(rc config.RouteConfig, opts RouteOptions) (*Route, error) {
	mode, err := auth.ParseMode(rc.Auth)
	if err != nil {
		return nil, err
	}
	validator, err := validatorFor(rc.Validator)
	if err != nil {
		return nil, err
	}

	route := &Route{
		Name:       rc.Name,
		Prefix:     rc.Prefix,
		Service:    rc.Service,
		Rewrite:    proxy.Rewrite{Prefix: rc.Rewrite.Prefix, Replacement: rc.Rewrite.Replacement},
		Auth:       mode,
		RateLimits: append([]string(nil), rc.RateLimits...),
		Validator:  validator,
	}

	if rc.Cache.Enabled {
		category, err := cache.ParseCategory(rc.Cache.Category)
		if err != nil {
			return nil, err
		}
		ttl := rc.Cache.TTL.Duration()
		if ttl <= 0 {
			ttl = opts.TTL.For(category)
		}
		route.Cache = RouteCache{Enabled: true, Category: category, TTL: ttl}
	}

	for _, gc := range rc.Gates {
		route.gates = append(route.gates, newGate(gc, opts))
	}
	return route, nil
}

func newGate(gc config.GateConfig, opts RouteOptions) gate {
	var g gate
	if len(gc.Methods) > 0 {
		g.methods = make(map[string]bool, len(gc.Methods))
		for _, m := range gc.Methods {
			g.methods[strings.ToUpper(m)] = true
		}
	}
	if len(gc.Roles) > 0 {
		g.requirements = append(g.requirements, auth.RequireRole(gc.Roles...))
	}
	if gc.EmailVerified {
		g.requirements = append(g.requirements, auth.RequireEmailVerified())
	}
	if gc.MFA {
		g.requirements = append(g.requirements, auth.RequireMFAFresh(opts.MFAWindow, opts.Now))
	}
	return g
}

// Match returns the route with the longest prefix matching path, or nil.
func (t *RouteTable) Match(path string) *Route {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// Routes returns the routes, longest prefix first.
func (t *RouteTable) Routes() []*Route {
	return t.routes
}

// isWrite reports whether method modifies state.
func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
