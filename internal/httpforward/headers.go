// Package httpforward holds the header-filtering helpers shared by the
// server's edge listener and the agent's local HTTP executor.
package httpforward

import (
	"net/http"
	"strings"
)

// hopByHop are connection-specific headers that must never be forwarded
// across a proxy hop.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// EdgeWhitelist is the fixed set of downstream headers the edge listener
// forwards into the request envelope. Anything not on this list is
// dropped before the envelope ever reaches an agent.
var EdgeWhitelist = map[string]bool{
	"host":              true,
	"user-agent":        true,
	"accept":            true,
	"accept-encoding":   true,
	"accept-language":   true,
	"authorization":     true,
	"cookie":            true,
	"x-forwarded-for":   true,
	"x-forwarded-proto": true,
	"x-forwarded-host":  true,
	"x-real-ip":         true,
	"content-type":      true,
	"content-length":    true,
	"x-test-route":      true,
}

// FilterEdgeHeaders builds the envelope header map from an incoming
// downstream request, keeping only EdgeWhitelist entries and forcing
// x-forwarded-proto to https.
func FilterEdgeHeaders(src http.Header) map[string]string {
	out := make(map[string]string, len(EdgeWhitelist))
	for key, values := range src {
		lower := strings.ToLower(key)
		if !EdgeWhitelist[lower] || len(values) == 0 {
			continue
		}
		out[lower] = values[len(values)-1]
	}
	out["x-forwarded-proto"] = "https"
	return out
}

// CopyHeaders copies HTTP headers from src to dst, skipping hop-by-hop
// headers and Host (the latter is set by the HTTP client from the URL).
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHop[key] {
			continue
		}
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// CopyResponseHeaders copies response headers from src to dst, skipping
// hop-by-hop headers only. Duplicate values of one header (e.g. multiple
// Set-Cookie) are kept in their original order; the relative order of
// different header names is not preserved, since http.Header is a map.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHop[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
