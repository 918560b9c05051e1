// Package service implements the core request-routing logic: registry
// lookup, rate limiting, validation, URL and header composition, dispatch,
// and response normalization.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uixray/figma-ai-proxy/internal/config"
	"github.com/uixray/figma-ai-proxy/internal/metrics"
	"github.com/uixray/figma-ai-proxy/internal/model"
	"github.com/uixray/figma-ai-proxy/internal/ratelimit"
	"github.com/uixray/figma-ai-proxy/internal/registry"
	"github.com/uixray/figma-ai-proxy/internal/transport"
)

// ErrUnknownTarget is returned for a target identifier missing from the registry.
var ErrUnknownTarget = errors.New("unknown target")

// RateLimitError is returned when the per-(client,target) window is exhausted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

// defaultDispatchTimeout bounds one upstream call including the body read
// when upstream.timeout_seconds is not configured.
const defaultDispatchTimeout = 120 * time.Second

// maxRawExcerpt limits how much of a non-JSON upstream body is echoed back.
const maxRawExcerpt = 512

// passThroughHeaders are the inbound headers the composer carries upstream.
// Everything else is dropped before the per-target rewrite hook runs.
var passThroughHeaders = []string{
	"Authorization",
	registry.HeaderAnthropicVersion,
	registry.HeaderBrowserAccess,
}

// forwardableResponseHeaders are the only upstream response headers relayed
// back to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":  true,
	"Cache-Control": true,
	"Date":          true,
	"X-Request-Id":  true,
	transport.HeaderRelayBy: true,
}

// ProxyService orchestrates the forwarding of one inbound request.
type ProxyService struct {
	transport *transport.Snapshot
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration

	// baseOverrides substitutes target base URLs; tests point targets at
	// httptest servers through it.
	baseOverrides map[string]string
}

// NewProxyService creates a ProxyService. The dispatch deadline comes from
// upstream.timeout_seconds. The metrics parameter is optional; pass nil to
// disable rate-limit rejection counting.
func NewProxyService(cfg *config.Config, snap *transport.Snapshot, limiter *ratelimit.Limiter, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	timeout := defaultDispatchTimeout
	if cfg != nil && cfg.Upstream.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	}
	return &ProxyService{
		transport: snap,
		limiter:   limiter,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
		timeout:   timeout,
	}
}

// NewProxyServiceForTest creates a ProxyService whose target base URLs are
// replaced by the given overrides. Intended only for tests that use httptest
// servers on localhost.
func NewProxyServiceForTest(snap *transport.Snapshot, limiter *ratelimit.Limiter, logger *slog.Logger, baseOverrides map[string]string) *ProxyService {
	s := NewProxyService(nil, snap, limiter, logger, nil)
	s.baseOverrides = baseOverrides
	return s
}

// Forward runs the full per-request pipeline and returns the response to
// relay, or a classified error. Terminal on the first applicable exit:
// unknown target, rate limit, validation, then dispatch failures.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	spec, ok := registry.Lookup(pr.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, pr.Target)
	}

	if allowed, retryAfter := s.limiter.Allow(pr.ClientIP, pr.Target); !allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues(pr.Target).Inc()
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	if spec.Validate != nil {
		if verr := spec.Validate(pr.Header, pr.Body); verr != nil {
			return nil, verr
		}
	}

	if base, ok := s.baseOverrides[spec.ID]; ok {
		spec.BaseURL = base
	}

	upstreamURL := buildTargetURL(pr, spec)
	header := buildForwardHeaders(pr.Header, spec)

	s.logger.Debug("forwarding request",
		"target", pr.Target,
		"subpath", pr.Subpath,
	)

	ctx, cancel := context.WithTimeout(pr.Ctx, s.timeout)
	defer cancel()

	resp, err := s.transport.Dispatch(ctx, pr.Target, http.MethodPost, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
		Body:       raw,
	}

	// Successful upstream payloads are relayed verbatim; a body that is not
	// valid JSON is wrapped in a diagnostic envelope with the original status.
	if !json.Valid(raw) {
		out.Body = nonJSONEnvelope(resp.StatusCode, raw)
		out.Header.Set("Content-Type", "application/json")
	}

	return out, nil
}

// buildTargetURL composes the final upstream URL per the target's path mode.
// Fixed mode ignores the inbound subpath and query entirely; subpath mode
// appends both verbatim to the base with its trailing slash stripped.
func buildTargetURL(pr *model.ProxyRequest, spec registry.TargetSpec) string {
	if spec.Mode == registry.PathModeFixed {
		return spec.BaseURL
	}

	u := strings.TrimSuffix(spec.BaseURL, "/")
	if pr.Subpath != "" {
		u += "/" + pr.Subpath
	}
	if pr.RawQuery != "" {
		u += "?" + pr.RawQuery
	}
	return u
}

// buildForwardHeaders builds the outbound header set: content type, the
// pass-through headers, then the target's rewrite hook if defined.
func buildForwardHeaders(inbound http.Header, spec registry.TargetSpec) http.Header {
	h := make(http.Header)

	ct := inbound.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	h.Set("Content-Type", ct)

	for _, key := range passThroughHeaders {
		if v := inbound.Get(key); v != "" {
			h.Set(key, v)
		}
	}

	if spec.Rewrite != nil {
		h = spec.Rewrite(h)
	}
	return h
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// nonJSONEnvelope wraps a non-JSON upstream body, preserving the original
// status and a truncated excerpt for diagnosis.
func nonJSONEnvelope(status int, raw []byte) []byte {
	excerpt := string(raw)
	if len(excerpt) > maxRawExcerpt {
		cut := maxRawExcerpt
		// back off so the cut never lands inside a multi-byte rune
		for cut > 0 && cut > maxRawExcerpt-utf8.UTFMax && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}
	body, err := json.Marshal(map[string]any{
		"error":  "non_json_response",
		"status": status,
		"raw":    excerpt,
	})
	if err != nil {
		return []byte(`{"error":"non_json_response"}`)
	}
	return body
}
