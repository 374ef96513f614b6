package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OpportunityService is the read side of the opportunity store used by the
// HTTP API.
type OpportunityService struct {
	opps   domain.OpportunityStore
	runs   domain.ScanRunStore
	logger *slog.Logger
}

// NewOpportunityService creates an OpportunityService.
func NewOpportunityService(
	opps domain.OpportunityStore,
	runs domain.ScanRunStore,
	logger *slog.Logger,
) *OpportunityService {
	return &OpportunityService{
		opps:   opps,
		runs:   runs,
		logger: logger,
	}
}

// ClampLimit normalises a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// ListActive returns active opportunities, by default best discount first.
func (s *OpportunityService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	opts.Limit = ClampLimit(opts.Limit)
	out, err := s.opps.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opportunity_service: list active: %w", err)
	}
	return out, nil
}

// List returns opportunities filtered by opts.Status (empty means all).
func (s *OpportunityService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	opts.Limit = ClampLimit(opts.Limit)
	if opts.Status == domain.OpportunityStatusActive {
		return s.ListActive(ctx, opts)
	}
	out, err := s.opps.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opportunity_service: list: %w", err)
	}
	return out, nil
}

// Get returns one opportunity by listing id.
func (s *OpportunityService) Get(ctx context.Context, listingID string) (domain.Opportunity, error) {
	o, err := s.opps.GetByID(ctx, listingID)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("opportunity_service: get %q: %w", listingID, err)
	}
	return o, nil
}

// RecentRuns returns the most recent scan passes, newest first.
func (s *OpportunityService) RecentRuns(ctx context.Context, limit int) ([]domain.ScanRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("opportunity_service: recent runs: %w", err)
	}
	return runs, nil
}

// Run returns one scan pass by id.
func (s *OpportunityService) Run(ctx context.Context, id string) (domain.ScanRun, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return domain.ScanRun{}, fmt.Errorf("opportunity_service: get run %q: %w", id, err)
	}
	return run, nil
}

// LastRun returns the most recent scan pass, or nil when none has run.
func (s *OpportunityService) LastRun(ctx context.Context) (*domain.ScanRun, error) {
	runs, err := s.runs.ListRecent(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("opportunity_service: last run: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
