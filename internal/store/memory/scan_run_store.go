package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// ScanRunStore implements domain.ScanRunStore in memory, keeping at most
// maxRuns entries.
type ScanRunStore struct {
	mu      sync.RWMutex
	runs    map[string]domain.ScanRun
	maxRuns int
}

// NewScanRunStore creates an empty store. A maxRuns of zero keeps 500.
func NewScanRunStore(maxRuns int) *ScanRunStore {
	if maxRuns <= 0 {
		maxRuns = 500
	}
	return &ScanRunStore{runs: make(map[string]domain.ScanRun), maxRuns: maxRuns}
}

// Create inserts a new scan run, evicting the oldest when full.
func (s *ScanRunStore) Create(_ context.Context, run domain.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = cloneRun(run)
	if len(s.runs) > s.maxRuns {
		var oldest string
		for id, r := range s.runs {
			if oldest == "" || r.StartedAt.Before(s.runs[oldest].StartedAt) {
				oldest = id
			}
		}
		delete(s.runs, oldest)
	}
	return nil
}

// Update overwrites a scan run.
func (s *ScanRunStore) Update(_ context.Context, run domain.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return domain.ErrNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetByID returns a scan run.
func (s *ScanRunStore) GetByID(_ context.Context, id string) (domain.ScanRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.ScanRun{}, domain.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRecent returns the most recent scan runs, newest first.
func (s *ScanRunStore) ListRecent(_ context.Context, limit int) ([]domain.ScanRun, error) {
	s.mu.RLock()
	out := make([]domain.ScanRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return paginate(out, 0, limit), nil
}

func cloneRun(r domain.ScanRun) domain.ScanRun {
	if r.Failures != nil {
		r.Failures = append([]domain.ItemFailure(nil), r.Failures...)
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}
