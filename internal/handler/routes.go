package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// metrics endpoint is mounted only when m is non-nil and metrics are enabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.GET(cfg.Relay.Route, relay.Handle)

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
