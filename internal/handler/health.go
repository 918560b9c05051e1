package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/uixray/figma-ai-proxy/internal/registry"
	"github.com/uixray/figma-ai-proxy/internal/transport"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the health/status endpoint.
type HealthHandler struct {
	snapshot *transport.Snapshot
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(snap *transport.Snapshot, v Version) *HealthHandler {
	return &HealthHandler{snapshot: snap, version: v}
}

// transportSummary is the per-target transport view exposed by /health.
// Endpoint is masked; credentials are never shown in full.
type transportSummary struct {
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Health returns process status, version, the configured provider set and the
// resolved transport per provider.
func (h *HealthHandler) Health(c echo.Context) error {
	proxies := make(map[string]transportSummary, len(registry.IDs()))
	for _, id := range registry.IDs() {
		r := h.snapshot.Resolved(id)
		proxies[id] = transportSummary{
			Kind:     string(r.Kind),
			Endpoint: r.Masked(),
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   string(h.version),
		"providers": registry.IDs(),
		"proxy":     proxies,
	})
}
