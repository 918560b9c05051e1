// The figma-ai-relay binary is the secondary-hop forwarding service used by
// the proxy's relay transport. It is configured by flags and environment
// only: the relay is deployed independently from the proxy and carries no
// provider table of its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/uixray/figma-ai-proxy/internal/relay"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Host           string `kong:"default='0.0.0.0',help='Listen host.',env='HOST'"`
	Port           int    `kong:"short='p',default='8788',help='Listen port.',env='PORT'"`
	Secret         string `kong:"help='Shared secret required from callers. Empty disables the check.',env='RELAY_SECRET'"`
	TimeoutSeconds int    `kong:"default='120',help='Forwarding timeout in seconds.',env='TIMEOUT_SECONDS'"`
	LogLevel       string `kong:"default='info',help='Log level: debug|info|warn|error.',env='LOG_LEVEL'"`
	LogFormat      string `kong:"default='json',help='Log format: json|text.',env='LOG_FORMAT'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("figma-ai-relay"),
		kong.Description("Secondary-hop relay for figma-ai-proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *CLI { return &cli },
			newLogger,
			newHandler,
			newEcho,
		),
		fx.Invoke(startServer),
	).Run()
}

func newLogger(cli *CLI) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cli.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cli.LogFormat) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newHandler(cli *CLI, logger *slog.Logger) *relay.Handler {
	timeout := time.Duration(cli.TimeoutSeconds) * time.Second
	return relay.NewHandler(cli.Secret, timeout, logger, version)
}

func newEcho(h *relay.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.POST("/", h.Handle)

	return e
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cli *CLI, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := fmt.Sprintf("%s:%d", cli.Host, cli.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting relay", "addr", addr, "secret_required", cli.Secret != "")
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down relay")
			return e.Shutdown(ctx)
		},
	})
}
