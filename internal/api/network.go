package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/wifi"
)

// maxJoinTimeout caps the per-request join deadline so a caller cannot park
// the serialized controller for an arbitrary time. It must stay under the
// server's write timeout or the response is lost.
const maxJoinTimeout = 2 * time.Minute

// NetworkHandler handles the network lifecycle endpoints.
type NetworkHandler struct {
	ctrl Controller
}

// NewNetworkHandler creates a new NetworkHandler.
func NewNetworkHandler(ctrl Controller) *NetworkHandler {
	return &NetworkHandler{ctrl: ctrl}
}

// List handles GET /api/v1/networks
// Returns nearby networks, strongest first. A busy radio yields an empty
// list, not an error, so the wizard can simply poll again.
func (h *NetworkHandler) List(w http.ResponseWriter, r *http.Request) {
	networks, err := h.ctrl.Scan(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Scan failed")
		writeError(w, http.StatusInternalServerError, "Scan failed: "+err.Error())
		return
	}
	if networks == nil {
		networks = []wifi.Network{}
	}
	writeJSON(w, http.StatusOK, networks)
}

// ConnectRequest is the JSON body for POST /api/v1/connect. The passphrase
// is consumed by the join and never echoed back or logged.
type ConnectRequest struct {
	SSID           string `json:"ssid"`
	Passphrase     string `json:"passphrase,omitempty"`
	Country        string `json:"country,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Connect handles POST /api/v1/connect
// Joins the given network. On failure the portal has already been restored
// by the controller, so the caller can show the error and let the user
// retry.
func (h *NetworkHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SSID == "" {
		writeError(w, http.StatusBadRequest, "ssid is required")
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout < 0 || timeout > maxJoinTimeout {
		writeError(w, http.StatusBadRequest, "timeout_seconds out of range")
		return
	}

	log.Info().Str("ssid", req.SSID).Msg("Connect requested")
	addr, err := h.ctrl.Connect(r.Context(), req.SSID, req.Passphrase, req.Country, timeout)
	if err != nil {
		status := http.StatusBadGateway
		payload := map[string]string{
			"message": err.Error(),
			"state":   h.ctrl.State().String(),
		}
		if kind, ok := wifi.JoinKindOf(err); ok {
			payload["classification"] = kind.String()
			if kind == wifi.JoinConfigWriteFailed {
				status = http.StatusInternalServerError
			}
		}
		payload["error"] = http.StatusText(status)
		writeJSON(w, status, payload)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "connected",
		"address": addr.String(),
		"state":   h.ctrl.State().String(),
	})
}

// Auto handles POST /api/v1/auto
// Runs the boot flow: settle in connected if the device already has
// connectivity, otherwise stand up the portal.
func (h *NetworkHandler) Auto(w http.ResponseWriter, r *http.Request) {
	state, err := h.ctrl.Auto(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Automatic bring-up failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   http.StatusText(http.StatusBadGateway),
			"message": err.Error(),
			"state":   state.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

// Stop handles POST /api/v1/stop
// Tears the portal down and parks the controller. The device ends up idle
// even when teardown reports errors.
func (h *NetworkHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Teardown finished with errors")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   http.StatusText(http.StatusInternalServerError),
			"message": err.Error(),
			"state":   h.ctrl.State().String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": h.ctrl.State().String()})
}
