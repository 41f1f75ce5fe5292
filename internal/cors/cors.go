// Package cors defines the fixed permissive CORS header set attached to
// every response the proxy produces.
package cors

import "net/http"

// Header names, canonical form.
const (
	HeaderAllowOrigin  = "Access-Control-Allow-Origin"
	HeaderAllowMethods = "Access-Control-Allow-Methods"
	HeaderAllowHeaders = "Access-Control-Allow-Headers"
)

// headerSet is the fixed set written on every response. Upstream headers may
// later overwrite individual keys; see the proxy handler's response composition.
var headerSet = map[string]string{
	HeaderAllowOrigin:  "*",
	HeaderAllowMethods: "*",
	HeaderAllowHeaders: "*",
}

// Apply writes the permissive CORS set onto h, replacing existing values.
func Apply(h http.Header) {
	for k, v := range headerSet {
		h.Set(k, v)
	}
}

// Headers returns a copy of the fixed CORS header set.
func Headers() http.Header {
	h := make(http.Header, len(headerSet))
	for k, v := range headerSet {
		h.Set(k, v)
	}
	return h
}
