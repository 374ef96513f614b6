package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Sort   OpportunitySort
	Status OpportunityStatus // empty means any status
	Since  *time.Time
}

// OpportunityStore persists opportunities keyed by listing id.
//
// Upsert creates an active record or overwrites the observation fields of an
// existing one, last writer wins by ObservedAt. Writes older than the stored
// LastSeenAt are ignored and the current record is returned. Status is never
// changed by Upsert. The bool reports whether a record was created.
//
// Refresh applies the same overwrite only to an existing active record.
//
// ExpireMissing expires active records of itemKey whose id is not in
// observedIDs and whose LastSeenAt is before scanTime.
type OpportunityStore interface {
	Upsert(ctx context.Context, u OpportunityUpsert) (Opportunity, bool, error)
	Refresh(ctx context.Context, u OpportunityUpsert) (bool, error)
	ExpireMissing(ctx context.Context, itemKey string, observedIDs []string, scanTime time.Time) (int64, error)
	GetByID(ctx context.Context, listingID string) (Opportunity, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Opportunity, error)
	List(ctx context.Context, opts ListOpts) ([]Opportunity, error)
	ListExpiredBefore(ctx context.Context, before time.Time, limit int) ([]Opportunity, error)
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// ScanRunStore persists scan pass summaries.
type ScanRunStore interface {
	Create(ctx context.Context, run ScanRun) error
	Update(ctx context.Context, run ScanRun) error
	GetByID(ctx context.Context, id string) (ScanRun, error)
	ListRecent(ctx context.Context, limit int) ([]ScanRun, error)
}
