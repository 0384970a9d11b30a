package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/upstream"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg        *config.Config
	version    Version
	registry   *upstream.Registry
	dispatcher *upstream.Dispatcher
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, reg *upstream.Registry, d *upstream.Dispatcher) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, registry: reg, dispatcher: d}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type listenerStatus struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

type routingStatus struct {
	Write string `json:"write"`
	Read  string `json:"read"`
}

type statusResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Listeners []listenerStatus  `json:"listeners"`
	Routing   routingStatus     `json:"routing"`
	Upstreams map[string]string `json:"upstreams"`
	Verbose   bool              `json:"verbose"`
}

// Status returns proxy status information: configured listeners, the
// routing table and every registered upstream.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Routing: routingStatus{
			Write: h.dispatcher.Write().Name,
			Read:  h.dispatcher.Read().Name,
		},
		Upstreams: make(map[string]string),
		Verbose:   h.cfg.Log.Verbose,
	}
	for _, l := range h.cfg.Server.Listeners {
		resp.Listeners = append(resp.Listeners, listenerStatus{Name: l.Name, Addr: l.Addr()})
	}
	for _, u := range h.registry.All() {
		resp.Upstreams[u.Name] = u.BaseURL.String()
	}
	return c.JSON(http.StatusOK, resp)
}
