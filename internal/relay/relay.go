// Package relay implements the secondary-hop forwarding service. The proxy's
// relay transport sends it requests carrying the true upstream URL and a
// shared secret in side headers; the relay validates both, strips hop
// headers, forwards to the declared target and returns its response verbatim.
package relay

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/uixray/figma-ai-proxy/internal/transport"
)

// strippedHeaders are removed before forwarding: the relay's own side
// headers, hop-by-hop headers, and headers the outbound client regenerates.
var strippedHeaders = []string{
	transport.HeaderRelayTarget,
	transport.HeaderRelaySecret,
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// Handler forwards validated relay requests to their declared target.
type Handler struct {
	client  *http.Client
	secret  string
	logger  *slog.Logger
	version string
}

// NewHandler creates a relay Handler. An empty secret disables the secret
// check; timeout bounds each forwarded call.
func NewHandler(secret string, timeout time.Duration, logger *slog.Logger, version string) *Handler {
	return &Handler{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		secret:  secret,
		logger:  logger.With("component", "relay"),
		version: version,
	}
}

// Handle processes one relay request.
func (h *Handler) Handle(c echo.Context) error {
	req := c.Request()

	if h.secret != "" && !h.secretMatches(req.Header.Get(transport.HeaderRelaySecret)) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "invalid relay secret",
		})
	}

	rawTarget := req.Header.Get(transport.HeaderRelayTarget)
	if rawTarget == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing target URL header",
			"hint":  fmt.Sprintf("set %s to the upstream URL", transport.HeaderRelayTarget),
		})
	}

	target, err := url.Parse(rawTarget)
	if err != nil || !strings.EqualFold(target.Scheme, "https") || target.Host == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "target URL must be absolute HTTPS",
		})
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to build upstream request",
		})
	}
	out.Header = req.Header.Clone()
	for _, key := range strippedHeaders {
		out.Header.Del(key)
	}

	resp, err := h.client.Do(out)
	if err != nil {
		h.logger.Error("relay forward failed",
			"host", target.Host,
			"err", err,
		)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "failed to reach target",
		})
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().Header().Set(transport.HeaderRelayBy, "figma-ai-relay/"+h.version)

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming relay response",
			"host", target.Host,
			"err", err,
		)
	}

	return nil
}

// secretMatches compares the presented secret in constant time.
func (h *Handler) secretMatches(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) == 1
}
