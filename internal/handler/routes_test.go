package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/uixray/figma-ai-proxy/internal/registry"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	snap := directSnapshot()
	RegisterRoutes(e,
		newTestHandler("http://127.0.0.1:1", nil),
		NewHealthHandler(snap, "test"),
		NewInfoHandler(),
	)
	return e
}

func TestRoutes_Health(t *testing.T) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestRoutes_Info(t *testing.T) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/api/info", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/info = %d, want 200", rec.Code)
	}

	var body struct {
		Providers []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Upstream string `json:"upstream"`
			PathMode string `json:"pathMode"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Providers) != len(registry.IDs()) {
		t.Errorf("info lists %d providers, want %d", len(body.Providers), len(registry.IDs()))
	}
	for _, p := range body.Providers {
		if p.ID == "" || p.Name == "" || p.Upstream == "" || p.PathMode == "" {
			t.Errorf("incomplete provider entry: %+v", p)
		}
	}
}

func TestRoutes_ProxyPathVariants(t *testing.T) {
	e := newTestEcho()

	// Both the bare target route and the subpath route must resolve to the
	// proxy handler; an unknown target proves routing without dialing out.
	for _, path := range []string{"/api/unknownprov", "/api/unknownprov/chat/completions"} {
		req := httptest.NewRequest(http.MethodPost, path, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("POST %s = %d, want 404 from proxy handler", path, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("POST %s: unmarshal: %v", path, err)
		}
		if _, ok := body["availableProviders"]; !ok {
			t.Errorf("POST %s: response should list available providers", path)
		}
	}
}

func TestRoutes_GetOnProxyPathRejected(t *testing.T) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/api/openai/models", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on proxy path = %d, want 405", rec.Code)
	}
}
