package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/uixray/figma-ai-proxy/internal/registry"
)

// InfoHandler documents the provider table for API consumers.
type InfoHandler struct{}

// NewInfoHandler creates an InfoHandler.
func NewInfoHandler() *InfoHandler {
	return &InfoHandler{}
}

type providerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Upstream string `json:"upstream"`
	PathMode string `json:"pathMode"`
}

// Info returns a static description of every configured provider.
func (h *InfoHandler) Info(c echo.Context) error {
	providers := make([]providerInfo, 0, len(registry.All()))
	for _, t := range registry.All() {
		endpoint := "/api/" + t.ID
		if t.Mode == registry.PathModeSubpath {
			endpoint += "/{path}"
		}
		providers = append(providers, providerInfo{
			ID:       t.ID,
			Name:     t.Name,
			Endpoint: endpoint,
			Upstream: t.BaseURL,
			PathMode: string(t.Mode),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"providers": providers,
	})
}
