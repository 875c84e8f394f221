package tunnel

import (
	"net"
	"strings"
)

// normalizeHost lowercases host and drops any port and trailing dot.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// CatchAll is the host pattern matching every request, including one without
// a Host header.
const CatchAll = "*"

// MatchHost reports whether host satisfies pattern. A "*.example.com" pattern
// matches any name with at least one label in front of example.com, never
// example.com itself.
func MatchHost(pattern, host string) bool {
	pattern, host = normalizeHost(pattern), normalizeHost(host)
	if pattern == CatchAll {
		return true
	}
	if pattern == "" || host == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix) && len(host) > len(suffix)+1
	}
	return pattern == host
}

// hostsOverlap reports whether some host could match both patterns.
func hostsOverlap(a, b string) bool {
	a, b = normalizeHost(a), normalizeHost(b)
	if a == b || a == CatchAll || b == CatchAll {
		return true
	}
	aw, bw := strings.HasPrefix(a, "*."), strings.HasPrefix(b, "*.")
	switch {
	case aw && bw:
		as, bs := a[1:], b[1:] // ".suffix"
		return strings.HasSuffix(as, bs) || strings.HasSuffix(bs, as)
	case aw:
		return MatchHost(a, b)
	case bw:
		return MatchHost(b, a)
	}
	return false
}
