package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/system"
)

// StatusResponse is the JSON response for GET /api/v1/status.
type StatusResponse struct {
	State      string       `json:"state"`
	Interface  string       `json:"interface"`
	Configured bool         `json:"configured"`
	Address    string       `json:"address,omitempty"`
	Device     *system.Info `json:"device"`
}

// StatusHandler handles the status endpoint.
type StatusHandler struct {
	ctrl Controller
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(ctrl Controller) *StatusHandler {
	return &StatusHandler{ctrl: ctrl}
}

// Get handles GET /api/v1/status
// Returns the lifecycle state plus a device summary for the wizard's
// status page. The address is omitted when the interface has none.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:      h.ctrl.State().String(),
		Interface:  h.ctrl.Interface(),
		Configured: h.ctrl.Configured(),
		Device:     system.Describe(),
	}
	if addr, err := h.ctrl.Address(r.Context()); err == nil {
		resp.Address = addr.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helper functions ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
