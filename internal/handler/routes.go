package handler

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/metrics"
	"routing-proxy-go/internal/middleware"
	"routing-proxy-go/internal/observe"
)

// NewEcho creates the Echo instance with the middleware chain every
// listener shares: panic recovery, metrics, the optional body size cap and
// the inbound request logger, in that order.
func NewEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, hooks *observe.Hooks) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.MetricsMiddleware(m))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.RequestLogger(hooks, logger))

	return e
}

// RegisterRoutes wires all route handlers onto the Echo instance.
// Local endpoints live under config.ReservedPrefix; every other path and
// method, including methods Echo has no route table for, goes to the proxy.
// The reserved prefix takes priority over method dispatch: a PUT under it is
// answered locally and never reaches the write upstream.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET(config.HealthPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	// Anything else under the reserved prefix is local and unknown.
	e.Any(config.ReservedPrefix, notFound)
	e.Any(config.ReservedPrefix+"/*", notFound)
	e.RouteNotFound(config.ReservedPrefix+"/*", notFound)

	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}

func notFound(echo.Context) error {
	return echo.ErrNotFound
}
