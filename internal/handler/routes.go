package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, info *InfoHandler) {
	e.GET("/health", health.Health)
	e.GET("/api/info", info.Info)

	e.POST("/api/:target", proxy.Handle)
	e.POST("/api/:target/*", proxy.Handle)
}
