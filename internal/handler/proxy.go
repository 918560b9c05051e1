package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/uixray/figma-ai-proxy/internal/model"
	"github.com/uixray/figma-ai-proxy/internal/registry"
	"github.com/uixray/figma-ai-proxy/internal/service"
	"github.com/uixray/figma-ai-proxy/internal/transport"
)

// ProxyHandler forwards API requests to the selected upstream provider.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the target named in the path and relays the
// upstream status and body back unchanged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Target:   c.Param("target"),
		Subpath:  c.Param("*"),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
		ClientIP: c.RealIP(),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"target", pr.Target,
		)
	}

	return nil
}

// mapError converts every failure into one of the stable client-facing error
// kinds. No raw transport error ever reaches the client.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrUnknownTarget) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error":              "unknown provider",
			"availableProviders": registry.IDs(),
			"hint":               "use one of the listed provider identifiers in the path: /api/{provider}",
		})
	}

	var rlErr *service.RateLimitError
	if errors.As(err, &rlErr) {
		retry := int(rlErr.RetryAfter.Seconds()) + 1
		c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"retryAfter": retry,
			"hint":       "wait before retrying; limits apply per client and provider",
		})
	}

	var vErr *registry.ValidationError
	if errors.As(err, &vErr) {
		return c.JSON(vErr.Status, map[string]string{
			"error": vErr.Message,
			"hint":  vErr.Hint,
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, transport.ErrTunnelUnreachable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "configured outbound proxy is unreachable",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "internal error",
	})
}
