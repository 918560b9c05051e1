// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded to an upstream
// provider. Subpath holds the path remainder after the /api/{target} prefix,
// without a leading slash; RawQuery holds the query string verbatim.
type ProxyRequest struct {
	Ctx      context.Context
	Target   string
	Subpath  string
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string
}

// ProxyResponse represents the upstream response to be relayed back.
// The body is fully read before being returned so the orchestrator can
// attempt JSON decoding and wrap non-JSON upstream payloads.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
