package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/store/storetest"
)

func TestOpportunityStore(t *testing.T) {
	storetest.OpportunityStore(t, func(t *testing.T) domain.OpportunityStore {
		return NewOpportunityStore()
	})
}

func TestScanRunStore(t *testing.T) {
	storetest.ScanRunStore(t, func(t *testing.T) domain.ScanRunStore {
		return NewScanRunStore(0)
	})
}

func TestScanRunStoreEvictsOldest(t *testing.T) {
	s := NewScanRunStore(2)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		run := domain.ScanRun{ID: id, StartedAt: storetest.Base.Add(time.Duration(i) * time.Minute)}
		if err := s.Create(ctx, run); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.GetByID(ctx, "a"); err == nil {
		t.Error("oldest run should have been evicted")
	}
	runs, _ := s.ListRecent(ctx, 0)
	if len(runs) != 2 {
		t.Errorf("len = %d, want 2", len(runs))
	}
}

func TestReturnedRunsAreCopies(t *testing.T) {
	s := NewScanRunStore(0)
	ctx := context.Background()
	run := domain.ScanRun{ID: "a", StartedAt: storetest.Base, Failures: []domain.ItemFailure{{ItemKey: "x"}}}
	if err := s.Create(ctx, run); err != nil {
		t.Fatalf("Create: %v", err)
	}
	run.Failures[0].ItemKey = "mutated"

	got, _ := s.GetByID(ctx, "a")
	if got.Failures[0].ItemKey != "x" {
		t.Error("store shares failures slice with caller")
	}
}
