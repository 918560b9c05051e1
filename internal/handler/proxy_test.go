package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/uixray/figma-ai-proxy/internal/config"
	"github.com/uixray/figma-ai-proxy/internal/ratelimit"
	"github.com/uixray/figma-ai-proxy/internal/registry"
	"github.com/uixray/figma-ai-proxy/internal/service"
	"github.com/uixray/figma-ai-proxy/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func directSnapshot() *transport.Snapshot {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
	}
	return transport.NewSnapshot(cfg, discardLogger(), nil)
}

// newTestHandler builds a ProxyHandler whose targets all point at upstreamURL.
func newTestHandler(upstreamURL string, limiter *ratelimit.Limiter) *ProxyHandler {
	overrides := make(map[string]string)
	for _, id := range registry.IDs() {
		overrides[id] = upstreamURL
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	}
	svc := service.NewProxyServiceForTest(directSnapshot(), limiter, discardLogger(), overrides)
	return NewProxyHandler(svc, discardLogger())
}

// doProxy sends one request through a fresh echo context bound to the proxy routes.
func doProxy(h *ProxyHandler, target, subpath, body string, header http.Header) *httptest.ResponseRecorder {
	e := echo.New()

	path := "/api/" + target
	if subpath != "" {
		path += "/" + subpath
	}

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if header != nil {
		req.Header = header
	}
	rec := httptest.NewRecorder()

	c := e.NewContext(req, rec)
	names := []string{"target"}
	values := []string{target}
	if subpath != "" {
		names = append(names, "*")
		values = append(values, subpath)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)

	_ = h.Handle(c)
	return rec
}

func TestProxyHandler_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, nil)
	rec := doProxy(h, "openai", "chat/completions", `{"model":"gpt-4"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"id":"cmpl-1"}` {
		t.Errorf("body = %q, want upstream payload verbatim", rec.Body.String())
	}
}

func TestProxyHandler_ClaudeRewriteReachesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-123" {
			t.Errorf("x-api-key = %q, want sk-123", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization should not reach the upstream for claude")
		}
		if got := r.Header.Get(registry.HeaderAnthropicVersion); got == "" {
			t.Error("anthropic-version should be defaulted")
		}
		if r.Header.Get(registry.HeaderBrowserAccess) != "" {
			t.Error("browser-access marker should be stripped")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	header := make(http.Header)
	header.Set("Authorization", "Bearer sk-123")
	header.Set(registry.HeaderBrowserAccess, "true")

	h := newTestHandler(upstream.URL, nil)
	rec := doProxy(h, "claude", "messages", `{}`, header)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProxyHandler_UnknownTarget(t *testing.T) {
	h := newTestHandler("http://127.0.0.1:1", nil)
	rec := doProxy(h, "unknownprov", "", `{}`, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body struct {
		Error              string   `json:"error"`
		AvailableProviders []string `json:"availableProviders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error == "" {
		t.Error("expected non-empty error")
	}
	if len(body.AvailableProviders) != len(registry.IDs()) {
		t.Errorf("availableProviders = %v, want all registered ids", body.AvailableProviders)
	}
	for _, id := range body.AvailableProviders {
		if id == "unknownprov" {
			t.Error("availableProviders must not contain the unknown id")
		}
	}
}

func TestProxyHandler_RateLimited(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, ratelimit.New(1, time.Minute))

	if rec := doProxy(h, "openai", "models", `{}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	rec := doProxy(h, "openai", "models", `{}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.RetryAfter <= 0 {
		t.Errorf("retryAfter = %d, want positive", body.RetryAfter)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (rate-limited request must not dispatch)", calls)
	}
}

func TestProxyHandler_YandexValidation(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, nil)

	tests := []struct {
		name       string
		auth       string
		body       string
		wantStatus int
	}{
		{"no auth", "", `{"modelUri":"x","messages":[]}`, http.StatusUnauthorized},
		{"bogus scheme", "Bogus xyz", `{"modelUri":"x","messages":[]}`, http.StatusUnauthorized},
		{"missing fields", "Api-Key k", `{"modelUri":"x"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := make(http.Header)
			if tt.auth != "" {
				header.Set("Authorization", tt.auth)
			}
			rec := doProxy(h, "yandex", "", tt.body, header)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" || body["hint"] == "" {
				t.Errorf("response %v should carry error and hint", body)
			}
		})
	}

	if calls != 0 {
		t.Errorf("upstream calls = %d, want 0", calls)
	}
}

func TestProxyHandler_NonJSONUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, nil)
	rec := doProxy(h, "openai", "models", `{}`, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want upstream status relayed", rec.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
		Raw    string `json:"raw"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "non_json_response" || body.Status != http.StatusServiceUnavailable {
		t.Errorf("envelope = %+v", body)
	}
}

func TestMapError_Timeout(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}
	rec := mapErrorRec(t, h, fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestMapError_TunnelUnreachable(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}
	err := fmt.Errorf("forward to upstream: %w", transport.ErrTunnelUnreachable)
	rec := mapErrorRec(t, h, err)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(body["error"], "proxy") {
		t.Errorf("error = %q, want proxy-unreachable wording", body["error"])
	}
}

func TestMapError_DNSError(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}
	dnsErr := &net.DNSError{Err: "no such host", Name: "api.openai.com"}
	rec := mapErrorRec(t, h, fmt.Errorf("forward to upstream: %w", dnsErr))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestMapError_URLError(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}
	urlErr := &url.Error{Op: "Post", URL: "https://api.openai.com/v1", Err: fmt.Errorf("connection refused")}
	rec := mapErrorRec(t, h, fmt.Errorf("forward to upstream: %w", urlErr))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestMapError_Unclassified(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}
	rec := mapErrorRec(t, h, fmt.Errorf("something odd"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if strings.Contains(body["error"], "odd") {
		t.Error("internal detail leaked to the client")
	}
}

func mapErrorRec(t *testing.T, h *ProxyHandler, err error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/openai", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if mErr := h.mapError(c, err); mErr != nil {
		t.Fatalf("mapError() returned error: %v", mErr)
	}
	return rec
}
