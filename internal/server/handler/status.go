package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// LastRunReader returns the latest scan pass, or nil before the first.
type LastRunReader interface {
	LastRun(ctx context.Context) (*domain.ScanRun, error)
}

// HealthChecker pings a backing service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StatusInfo is the static part of the status response.
type StatusInfo struct {
	Mode        string
	CatalogSize int
	Threshold   string
	Storage     string
	StartedAt   time.Time
}

// StatusHandler reports what this process is doing.
type StatusHandler struct {
	info    StatusInfo
	runs    LastRunReader
	scanner ScanTrigger // nil when this process does not scan
	storage HealthChecker
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. scanner may be nil.
func NewStatusHandler(info StatusInfo, runs LastRunReader, scanner ScanTrigger, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{info: info, runs: runs, scanner: scanner, logger: logHandler(logger, "status")}
}

// WithStorageCheck makes GetStatus ping the store first and answer 503
// when it is unreachable. A nil checker disables the check.
func (h *StatusHandler) WithStorageCheck(c HealthChecker) *StatusHandler {
	h.storage = c
	return h
}

// GetStatus responds with mode, catalog size, threshold and the last run.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.storage != nil {
		if err := h.storage.Health(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "storage health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"mode":    h.info.Mode,
				"storage": map[string]any{"backend": h.info.Storage, "ok": false, "error": err.Error()},
			})
			return
		}
	}

	last, err := h.runs.LastRun(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err, "status")
		return
	}
	status := domain.ScannerStatus{
		Mode:          h.info.Mode,
		CatalogSize:   h.info.CatalogSize,
		Threshold:     h.info.Threshold,
		Running:       h.scanner != nil && h.scanner.Running(),
		UptimeSeconds: int64(time.Since(h.info.StartedAt).Seconds()),
		LastRun:       last,
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           status.Mode,
		"catalog_size":   status.CatalogSize,
		"threshold":      status.Threshold,
		"scanning":       status.Running,
		"uptime_seconds": status.UptimeSeconds,
		"last_run":       status.LastRun,
		"storage":        map[string]any{"backend": h.info.Storage, "ok": true},
	})
}
