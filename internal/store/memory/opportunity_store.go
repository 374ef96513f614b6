// Package memory implements the domain stores in process memory. It backs
// the "memory" storage backend and the scanner tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore with a mutex-guarded
// map. All writes are serialised.
type OpportunityStore struct {
	mu   sync.RWMutex
	opps map[string]domain.Opportunity
}

// NewOpportunityStore creates an empty store.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{opps: make(map[string]domain.Opportunity)}
}

// Upsert creates or refreshes the opportunity for u.ListingID.
func (s *OpportunityStore) Upsert(_ context.Context, u domain.OpportunityUpsert) (domain.Opportunity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.opps[u.ListingID]
	if !ok {
		opp := domain.NewOpportunity(u)
		s.opps[u.ListingID] = opp
		return opp, true, nil
	}
	if u.ObservedAt.Before(cur.LastSeenAt) {
		return cur, false, nil
	}
	cur.Apply(u)
	s.opps[u.ListingID] = cur
	return cur, false, nil
}

// Refresh updates an existing active opportunity in place.
func (s *OpportunityStore) Refresh(_ context.Context, u domain.OpportunityUpsert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.opps[u.ListingID]
	if !ok || !cur.Active() || u.ObservedAt.Before(cur.LastSeenAt) {
		return false, nil
	}
	cur.Apply(u)
	s.opps[u.ListingID] = cur
	return true, nil
}

// ExpireMissing expires active opportunities of itemKey not seen this pass.
func (s *OpportunityStore) ExpireMissing(_ context.Context, itemKey string, observedIDs []string, scanTime time.Time) (int64, error) {
	observed := make(map[string]struct{}, len(observedIDs))
	for _, id := range observedIDs {
		observed[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, opp := range s.opps {
		if opp.ItemKey != itemKey || !opp.Active() || !opp.LastSeenAt.Before(scanTime) {
			continue
		}
		if _, seen := observed[id]; seen {
			continue
		}
		at := scanTime
		opp.Status = domain.OpportunityStatusExpired
		opp.ExpiredAt = &at
		s.opps[id] = opp
		n++
	}
	return n, nil
}

// GetByID returns a single opportunity.
func (s *OpportunityStore) GetByID(_ context.Context, listingID string) (domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opp, ok := s.opps[listingID]
	if !ok {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return opp, nil
}

// ListActive returns active opportunities, by default ordered by discount
// ratio descending.
func (s *OpportunityStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	opts.Status = domain.OpportunityStatusActive
	return s.List(ctx, opts)
}

// List returns opportunities filtered by opts.
func (s *OpportunityStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	s.mu.RLock()
	out := make([]domain.Opportunity, 0, len(s.opps))
	for _, opp := range s.opps {
		if opts.Status != "" && opp.Status != opts.Status {
			continue
		}
		if opts.Since != nil && opp.LastSeenAt.Before(*opts.Since) {
			continue
		}
		out = append(out, opp)
	}
	s.mu.RUnlock()

	sort.Slice(out, less(out, opts.Sort))
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListExpiredBefore returns expired opportunities whose expiry predates
// before, oldest first.
func (s *OpportunityStore) ListExpiredBefore(_ context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	s.mu.RLock()
	var out []domain.Opportunity
	for _, opp := range s.opps {
		if expiredBefore(opp, before) {
			out = append(out, opp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiredAt.Equal(*out[j].ExpiredAt) {
			return out[i].ExpiredAt.Before(*out[j].ExpiredAt)
		}
		return out[i].ListingID < out[j].ListingID
	})
	return paginate(out, 0, limit), nil
}

// DeleteExpiredBefore purges expired opportunities older than before.
func (s *OpportunityStore) DeleteExpiredBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, opp := range s.opps {
		if expiredBefore(opp, before) {
			delete(s.opps, id)
			n++
		}
	}
	return n, nil
}

func expiredBefore(opp domain.Opportunity, before time.Time) bool {
	return opp.Status == domain.OpportunityStatusExpired && opp.ExpiredAt != nil && opp.ExpiredAt.Before(before)
}

// less returns a deterministic comparator matching the SQL backends.
func less(o []domain.Opportunity, by domain.OpportunitySort) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := o[i], o[j]
		switch by {
		case domain.SortByProfit:
			if c := a.PotentialProfit.Cmp(b.PotentialProfit); c != 0 {
				return c > 0
			}
		case domain.SortByPrice:
			if c := a.Price.Cmp(b.Price); c != 0 {
				return c < 0
			}
		case domain.SortByRecent:
			if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
				return a.FirstSeenAt.After(b.FirstSeenAt)
			}
		default:
			if c := a.DiscountRatio.Cmp(b.DiscountRatio); c != 0 {
				return c > 0
			}
			if !a.LastSeenAt.Equal(b.LastSeenAt) {
				return a.LastSeenAt.After(b.LastSeenAt)
			}
		}
		return a.ListingID < b.ListingID
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
