package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	startedAt time.Time
	now       func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(startedAt time.Time) *HealthHandler {
	return &HealthHandler{startedAt: startedAt, now: time.Now}
}

// HealthCheck reports that the process is serving requests. It does not
// check dependencies; /api/status does.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      now.Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(h.startedAt).Seconds()),
	})
}
