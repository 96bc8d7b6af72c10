package handlers

import (
	"net/http"

	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/status"
)

// StatusViewer renders the fleet connection indicator.
type StatusViewer interface {
	View() status.View
}

// ClientCounter reports connected dashboard clients.
type ClientCounter interface {
	ClientCount() int
}

// StatusHandler reports the state of the fleet stream and the browser hub.
type StatusHandler struct {
	indicator StatusViewer
	hub       ClientCounter
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(indicator StatusViewer, hub ClientCounter) *StatusHandler {
	return &StatusHandler{indicator: indicator, hub: hub}
}

// Get returns the indicator view and the number of dashboard clients.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, struct {
		Connection status.View `json:"connection"`
		Clients    int         `json:"clients"`
	}{h.indicator.View(), h.hub.ClientCount()})
}

// Health is the unauthenticated liveness probe.
func Health(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
