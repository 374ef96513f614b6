package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// ScanReader is the scan history used by ScanHandler.
type ScanReader interface {
	RecentRuns(ctx context.Context, limit int) ([]domain.ScanRun, error)
	Run(ctx context.Context, id string) (domain.ScanRun, error)
}

// ScanTrigger requests an out-of-schedule pass.
type ScanTrigger interface {
	Running() bool
	Trigger() bool
}

// ScanHandler serves scan history and the manual trigger.
type ScanHandler struct {
	runs    ScanReader
	trigger ScanTrigger // nil when this process does not scan
	logger  *slog.Logger
}

// NewScanHandler creates a ScanHandler. trigger may be nil.
func NewScanHandler(runs ScanReader, trigger ScanTrigger, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{runs: runs, trigger: trigger, logger: logHandler(logger, "scan")}
}

// ListRecent returns the latest scan passes, newest first.
// GET /api/scans/recent?limit=N
func (h *ScanHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.RecentRuns(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "scans")
		return
	}
	if runs == nil {
		runs = []domain.ScanRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": runs, "count": len(runs)})
}

// GetScan returns one scan pass.
// GET /api/scans/{id}
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "scan")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TriggerScan queues one pass. Repeated triggers before the pass starts
// coalesce; a trigger while a pass is running is rejected.
// POST /api/scans/trigger
func (h *ScanHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner is not running in this mode")
		return
	}
	if h.trigger.Running() {
		writeError(w, http.StatusConflict, domain.ErrScanInProgress.Error())
		return
	}
	queued := h.trigger.Trigger()
	h.logger.InfoContext(r.Context(), "manual scan requested", slog.Bool("queued", queued))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued":       queued,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
