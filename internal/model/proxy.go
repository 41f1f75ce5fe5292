// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// RawPath and RawQuery keep the original encoding so that percent-encoded
// path segments, parameter order and duplicate keys survive forwarding.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
