package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every response cache key. Bumping the version
// orphans all existing entries.
const KeyPrefix = "cache:v1:"

// Scope values used in keys.
const (
	scopeAnonymous = "anonymous"
	scopeUser      = "user:"
)

// BuildKey derives the cache key for a request:
//
//	cache:v1:<METHOD>:<encoded path>:<scope>:<sorted query>[:accept-language=<value>]
//
// scope is "user:<id>" for authenticated callers and "anonymous" otherwise.
// The path has / replaced by _ after escaping %, _, : and the glob
// metacharacters, so distinct paths never share a key and invalidation
// patterns match literally. Query names and values are query-escaped.
func BuildKey(method, path, userID string, query url.Values, acceptLanguage string) string {
	var b strings.Builder
	b.Grow(len(KeyPrefix) + len(method) + len(path) + 64)

	b.WriteString(KeyPrefix)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(encodePath(path))
	b.WriteByte(':')
	b.WriteString(Scope(userID))
	b.WriteByte(':')
	b.WriteString(canonicalQuery(query))

	if acceptLanguage != "" {
		b.WriteString(":accept-language=")
		b.WriteString(encodeSegment(acceptLanguage))
	}
	return b.String()
}

// Scope returns the key scope segment for a user id.
func Scope(userID string) string {
	if userID == "" {
		return scopeAnonymous
	}
	return scopeUser + encodeSegment(userID)
}

// segmentEscaper escapes the characters that separate or pattern-match key
// segments.
var segmentEscaper = strings.NewReplacer(
	"%", "%25",
	"_", "%5F",
	":", "%3A",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	"\\", "%5C",
)

func encodeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

func encodePath(path string) string {
	return strings.ReplaceAll(encodeSegment(path), "/", "_")
}

// canonicalQuery renders query parameters sorted by name, values kept in
// request order, so equivalent requests share a key.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		for _, v := range query[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// PathPattern matches every cached entry whose path starts with prefix.
func PathPattern(prefix string) string {
	return KeyPrefix + "*:" + encodePath(prefix) + "*"
}

// UserPattern matches every cached entry scoped to a user.
func UserPattern(userID string) string {
	return KeyPrefix + "*:" + Scope(userID) + ":*"
}

// ContainsPattern matches every cached entry whose path contains the path
// fragment.
func ContainsPattern(fragment string) string {
	return KeyPrefix + "*" + encodePath(fragment) + "*"
}
