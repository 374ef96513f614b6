package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/store/storetest"
)

func TestOpportunityStore(t *testing.T) {
	storetest.OpportunityStore(t, func(t *testing.T) domain.OpportunityStore {
		return NewOpportunityStore(newTestDB(t))
	})
}

func TestScanRunStore(t *testing.T) {
	storetest.ScanRunStore(t, func(t *testing.T) domain.ScanRunStore {
		return NewScanRunStore(newTestDB(t))
	})
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}

func TestFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slabscan.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, _, err := NewOpportunityStore(db).Upsert(ctx, storetest.Upsert("L1", "800", "1000", storetest.Base)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	got, err := NewOpportunityStore(db).GetByID(ctx, "L1")
	if err != nil {
		t.Fatalf("GetByID after reopen: %v", err)
	}
	if !got.FirstSeenAt.Equal(storetest.Base) {
		t.Errorf("FirstSeenAt = %v", got.FirstSeenAt)
	}
}

func TestNanosRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.FixedZone("AEST", 10*3600))
	if got := fromNanos(toNanos(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
	if fromNullNanos(nullNanos(nil)) != nil {
		t.Error("nil should stay nil")
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("placeholders(3) = %q", got)
	}
}
