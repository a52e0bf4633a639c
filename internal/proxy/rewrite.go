package proxy

import "strings"

// Rewrite describes a path prefix substitution applied before forwarding.
type Rewrite struct {
	Prefix      string
	Replacement string
}

// Apply rewrites path. Paths without the prefix are returned unchanged and an
// empty result becomes "/".
func (r Rewrite) Apply(path string) string {
	if r.Prefix != "" {
		if rest, ok := strings.CutPrefix(path, r.Prefix); ok {
			path = r.Replacement + rest
		}
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// joinPath appends a request path to an instance base path.
func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if path == "" {
		path = "/"
	}
	if base == "" {
		return path
	}
	if path == "/" {
		return base + "/"
	}
	return base + path
}
