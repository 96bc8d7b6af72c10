package handlers

import (
	"net/http"
	"strconv"

	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/services"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 500
)

// EventHandler handles HTTP requests related to audit events.
type EventHandler struct {
	service services.EventServiceProvider
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(service services.EventServiceProvider) *EventHandler {
	return &EventHandler{service: service}
}

// GetRecent handles the request to get recent audit events.
func (h *EventHandler) GetRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)

	events, err := h.service.GetRecentEvents(r.Context(), limit)
	if err != nil {
		respond.ServerError(w, err, "Failed to retrieve events")
		return
	}

	respond.JSON(w, http.StatusOK, events)
}
