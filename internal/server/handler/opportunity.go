package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// OpportunityReader is the read side used by OpportunityHandler.
type OpportunityReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error)
	Get(ctx context.Context, listingID string) (domain.Opportunity, error)
}

// OpportunityHandler serves the opportunity endpoints.
type OpportunityHandler struct {
	opps   OpportunityReader
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(opps OpportunityReader, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{opps: opps, logger: logHandler(logger, "opportunity")}
}

// ListOpportunities returns opportunities, active and best discount first
// unless the query says otherwise.
// GET /api/opportunities?sort=discount|profit|price|recent&status=active|expired|all&limit=N
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := domain.ListOpts{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
		Sort:   domain.ParseOpportunitySort(q.Get("sort")),
	}
	switch status := q.Get("status"); status {
	case "", string(domain.OpportunityStatusActive):
		opts.Status = domain.OpportunityStatusActive
	case string(domain.OpportunityStatusExpired):
		opts.Status = domain.OpportunityStatusExpired
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "status must be active, expired or all")
		return
	}

	opps, err := h.opps.List(r.Context(), opts)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "opportunities")
		return
	}
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
		"sort":          opts.Sort,
	})
}

// GetOpportunity returns one opportunity by listing id.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	opp, err := h.opps.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "opportunity")
		return
	}
	writeJSON(w, http.StatusOK, opp)
}
