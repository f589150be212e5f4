// Package api provides HTTP handlers for the local control API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/wifi"
)

// Controller is the slice of the lifecycle controller the API drives. It
// is satisfied by *wifi.Controller.
type Controller interface {
	Auto(ctx context.Context) (wifi.State, error)
	Connect(ctx context.Context, ssid, passphrase, country string, timeout time.Duration) (netip.Addr, error)
	Scan(ctx context.Context) ([]wifi.Network, error)
	Stop(ctx context.Context) error
	State() wifi.State
	Configured() bool
	Interface() string
	Address(ctx context.Context) (netip.Addr, error)
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	cfg  *config.Settings
	ctrl Controller
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(cfg *config.Settings, ctrl Controller) *HealthHandler {
	return &HealthHandler{cfg: cfg, ctrl: ctrl}
}

// ServeHTTP implements http.Handler for the health check endpoint.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := h.ctrl.State()
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.cfg.Version,
		State:   state.String(),
	}
	// Failed means the device can neither join nor offer the portal.
	if state == wifi.StateFailed {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// RegisterRoutes mounts the control API on a chi router.
func RegisterRoutes(r chi.Router, cfg *config.Settings, ctrl Controller) {
	healthHandler := NewHealthHandler(cfg, ctrl)
	statusHandler := NewStatusHandler(ctrl)
	networkHandler := NewNetworkHandler(ctrl)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", statusHandler.Get)
		r.Get("/networks", networkHandler.List)
		r.Post("/connect", networkHandler.Connect)
		r.Post("/auto", networkHandler.Auto)
		r.Post("/stop", networkHandler.Stop)
	})
}
