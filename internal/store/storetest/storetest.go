// Package storetest holds behavioural checks shared by every store backend.
// Backend packages call these from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// Base is the reference time used by the suites.
var Base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Upsert builds an observation for item "charizard".
func Upsert(id, price, benchmark string, at time.Time) domain.OpportunityUpsert {
	return domain.OpportunityUpsert{
		ListingID:      id,
		ItemKey:        "charizard",
		ItemName:       "Charizard",
		Title:          "PSA 10 Charizard " + id,
		URL:            "https://www.ebay.com.au/itm/" + id,
		Price:          dec(price),
		BenchmarkValue: dec(benchmark),
		ObservedAt:     at,
	}
}

// OpportunityStore runs the opportunity store contract against stores
// produced by newStore. Each subtest gets a fresh store.
func OpportunityStore(t *testing.T, newStore func(t *testing.T) domain.OpportunityStore) {
	t.Run("create then idempotent upsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		opp, created, err := s.Upsert(ctx, Upsert("L1", "800", "1000", Base))
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if !created || opp.Status != domain.OpportunityStatusActive {
			t.Fatalf("first upsert: created=%v status=%s", created, opp.Status)
		}
		if !opp.DiscountRatio.Equal(dec("0.2")) || !opp.PotentialProfit.Equal(dec("200")) {
			t.Errorf("derived fields: ratio=%s profit=%s", opp.DiscountRatio, opp.PotentialProfit)
		}

		again, created, err := s.Upsert(ctx, Upsert("L1", "800", "1000", Base))
		if err != nil {
			t.Fatalf("second Upsert: %v", err)
		}
		if created {
			t.Error("second upsert must not create")
		}
		if !again.FirstSeenAt.Equal(Base) || !again.LastSeenAt.Equal(Base) {
			t.Errorf("timestamps changed: %+v", again)
		}

		all, err := s.List(ctx, domain.ListOpts{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("expected exactly one record, got %d", len(all))
		}
	})

	t.Run("last writer wins by observation time", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustUpsert(t, s, Upsert("L1", "800", "1000", Base))
		newer, _, err := s.Upsert(ctx, Upsert("L1", "700", "1000", Base.Add(time.Minute)))
		if err != nil {
			t.Fatalf("Upsert newer: %v", err)
		}
		if !newer.Price.Equal(dec("700")) || !newer.DiscountRatio.Equal(dec("0.3")) {
			t.Errorf("newer write not applied: %+v", newer)
		}

		stale, created, err := s.Upsert(ctx, Upsert("L1", "999", "1000", Base.Add(-time.Hour)))
		if err != nil {
			t.Fatalf("Upsert stale: %v", err)
		}
		if created || !stale.Price.Equal(dec("700")) {
			t.Errorf("stale write applied: created=%v price=%s", created, stale.Price)
		}
		got := mustGet(t, s, "L1")
		if !got.LastSeenAt.Equal(Base.Add(time.Minute)) || !got.FirstSeenAt.Equal(Base) {
			t.Errorf("timestamps = first %v last %v", got.FirstSeenAt, got.LastSeenAt)
		}
	})

	t.Run("upsert never reactivates expired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustUpsert(t, s, Upsert("L1", "800", "1000", Base))
		expireAt := Base.Add(30 * time.Minute)
		if n, err := s.ExpireMissing(ctx, "charizard", nil, expireAt); err != nil || n != 1 {
			t.Fatalf("ExpireMissing = %d, %v", n, err)
		}

		opp, created, err := s.Upsert(ctx, Upsert("L1", "750", "1000", Base.Add(time.Hour)))
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if created {
			t.Error("reappearance must not create a second record")
		}
		if opp.Status != domain.OpportunityStatusExpired {
			t.Errorf("status = %s, want expired", opp.Status)
		}
		if opp.ExpiredAt == nil || !opp.ExpiredAt.Equal(expireAt) {
			t.Errorf("expired_at = %v, want %v", opp.ExpiredAt, expireAt)
		}
		if !opp.Price.Equal(dec("750")) {
			t.Errorf("observation fields should still refresh, price = %s", opp.Price)
		}
	})

	t.Run("refresh touches only active records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.Refresh(ctx, Upsert("NEW", "900", "1000", Base))
		if err != nil || ok {
			t.Fatalf("Refresh missing = %v, %v", ok, err)
		}
		if _, err := s.GetByID(ctx, "NEW"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Refresh must not create, GetByID err = %v", err)
		}

		mustUpsert(t, s, Upsert("L1", "800", "1000", Base))
		ok, err = s.Refresh(ctx, Upsert("L1", "900", "1000", Base.Add(time.Minute)))
		if err != nil || !ok {
			t.Fatalf("Refresh active = %v, %v", ok, err)
		}
		got := mustGet(t, s, "L1")
		if got.Status != domain.OpportunityStatusActive || !got.DiscountRatio.Equal(dec("0.1")) {
			t.Errorf("refreshed = %+v", got)
		}

		if _, err := s.ExpireMissing(ctx, "charizard", nil, Base.Add(time.Hour)); err != nil {
			t.Fatalf("ExpireMissing: %v", err)
		}
		ok, err = s.Refresh(ctx, Upsert("L1", "850", "1000", Base.Add(2*time.Hour)))
		if err != nil || ok {
			t.Errorf("Refresh expired = %v, %v", ok, err)
		}
	})

	t.Run("expire missing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustUpsert(t, s, Upsert("A", "800", "1000", Base))
		mustUpsert(t, s, Upsert("B", "800", "1000", Base))
		other := Upsert("X", "100", "1000", Base)
		other.ItemKey = "pikachu"
		mustUpsert(t, s, other)
		// Seen after the scan started, e.g. by an overlapping newer pass.
		mustUpsert(t, s, Upsert("LATE", "800", "1000", Base.Add(2*time.Hour)))

		scan := Base.Add(time.Hour)
		n, err := s.ExpireMissing(ctx, "charizard", []string{"A"}, scan)
		if err != nil {
			t.Fatalf("ExpireMissing: %v", err)
		}
		if n != 1 {
			t.Fatalf("expired %d, want 1", n)
		}
		if got := mustGet(t, s, "A"); got.Status != domain.OpportunityStatusActive {
			t.Errorf("A status = %s", got.Status)
		}
		b := mustGet(t, s, "B")
		if b.Status != domain.OpportunityStatusExpired || b.ExpiredAt == nil || !b.ExpiredAt.Equal(scan) {
			t.Errorf("B = %+v", b)
		}
		if got := mustGet(t, s, "X"); got.Status != domain.OpportunityStatusActive {
			t.Error("other item must not be touched")
		}
		if got := mustGet(t, s, "LATE"); got.Status != domain.OpportunityStatusActive {
			t.Error("record seen after scan time must not expire")
		}

		n, err = s.ExpireMissing(ctx, "charizard", []string{"A"}, scan)
		if err != nil || n != 0 {
			t.Errorf("second ExpireMissing = %d, %v; want 0", n, err)
		}
	})

	t.Run("empty observed set expires all active for item", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustUpsert(t, s, Upsert("A", "800", "1000", Base))
		mustUpsert(t, s, Upsert("B", "800", "1000", Base))

		n, err := s.ExpireMissing(ctx, "charizard", []string{}, Base.Add(time.Minute))
		if err != nil || n != 2 {
			t.Fatalf("ExpireMissing = %d, %v; want 2", n, err)
		}
		active, err := s.ListActive(ctx, domain.ListOpts{})
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(active) != 0 {
			t.Errorf("active = %d, want 0", len(active))
		}
	})

	t.Run("list active sorting and paging", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustUpsert(t, s, Upsert("D10", "900", "1000", Base))  // 10%, profit 100
		mustUpsert(t, s, Upsert("D30", "700", "1000", Base))  // 30%, profit 300
		mustUpsert(t, s, Upsert("D20", "1600", "2000", Base)) // 20%, profit 400
		mustUpsert(t, s, Upsert("GONE", "100", "1000", Base))
		if _, err := s.ExpireMissing(ctx, "charizard", []string{"D10", "D30", "D20"}, Base.Add(time.Minute)); err != nil {
			t.Fatalf("ExpireMissing: %v", err)
		}

		assertOrder(t, s, domain.ListOpts{}, "D30", "D20", "D10")
		assertOrder(t, s, domain.ListOpts{Sort: domain.SortByProfit}, "D20", "D30", "D10")
		assertOrder(t, s, domain.ListOpts{Sort: domain.SortByPrice}, "D30", "D10", "D20")
		assertOrder(t, s, domain.ListOpts{Limit: 2}, "D30", "D20")
		assertOrder(t, s, domain.ListOpts{Limit: 2, Offset: 1}, "D20", "D10")
		assertOrder(t, s, domain.ListOpts{Offset: 1}, "D20", "D10")
		assertOrder(t, s, domain.ListOpts{Offset: 5})

		expired, err := s.List(ctx, domain.ListOpts{Status: domain.OpportunityStatusExpired})
		if err != nil {
			t.Fatalf("List expired: %v", err)
		}
		if len(expired) != 1 || expired[0].ListingID != "GONE" {
			t.Errorf("expired = %v", expired)
		}
	})

	t.Run("archive helpers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustUpsert(t, s, Upsert("OLD", "800", "1000", Base))
		mustUpsert(t, s, Upsert("ACTIVE", "800", "1000", Base.Add(48*time.Hour)))
		if _, err := s.ExpireMissing(ctx, "charizard", []string{"ACTIVE"}, Base.Add(time.Hour)); err != nil {
			t.Fatalf("ExpireMissing: %v", err)
		}

		cutoff := Base.Add(24 * time.Hour)
		old, err := s.ListExpiredBefore(ctx, cutoff, 100)
		if err != nil {
			t.Fatalf("ListExpiredBefore: %v", err)
		}
		if len(old) != 1 || old[0].ListingID != "OLD" {
			t.Fatalf("ListExpiredBefore = %v", old)
		}
		none, err := s.ListExpiredBefore(ctx, Base, 100)
		if err != nil || len(none) != 0 {
			t.Errorf("ListExpiredBefore(early) = %v, %v", none, err)
		}

		n, err := s.DeleteExpiredBefore(ctx, cutoff)
		if err != nil || n != 1 {
			t.Fatalf("DeleteExpiredBefore = %d, %v", n, err)
		}
		if _, err := s.GetByID(ctx, "OLD"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("OLD should be gone, err = %v", err)
		}
		mustGet(t, s, "ACTIVE")
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetByID(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent upserts keep newest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u := Upsert("L1", fmt.Sprintf("%d", 500+i), "1000", Base.Add(time.Duration(i)*time.Second))
				if _, _, err := s.Upsert(ctx, u); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent Upsert: %v", err)
		}

		got := mustGet(t, s, "L1")
		want := Base.Add((writers - 1) * time.Second)
		if !got.LastSeenAt.Equal(want) {
			t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, want)
		}
		if !got.Price.Equal(dec(fmt.Sprintf("%d", 500+writers-1))) {
			t.Errorf("price = %s, want newest", got.Price)
		}
	})
}

// ScanRunStore runs the scan run store contract.
func ScanRunStore(t *testing.T, newStore func(t *testing.T) domain.ScanRunStore) {
	t.Run("lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := domain.ScanRun{
			ID:        "6f1c1b7e-8f1a-4a57-9a55-0d3b1f0f6a01",
			Status:    domain.ScanStatusRunning,
			Trigger:   "schedule",
			StartedAt: Base,
		}
		if err := s.Create(ctx, run); err != nil {
			t.Fatalf("Create: %v", err)
		}

		fin := Base.Add(2 * time.Minute)
		run.Status = domain.ScanStatusCompletedWithErrors
		run.FinishedAt = &fin
		run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed = 3, 2, 1
		run.OpportunitiesCreated = 4
		run.Failures = []domain.ItemFailure{{ItemKey: "lugia", Stage: domain.StageFetch, Error: "rate limited", Attempts: 3, Retryable: true, At: fin}}
		if err := s.Update(ctx, run); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, err := s.GetByID(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Status != domain.ScanStatusCompletedWithErrors || got.FinishedAt == nil || !got.FinishedAt.Equal(fin) {
			t.Errorf("got = %+v", got)
		}
		if got.ItemsFailed != 1 || got.OpportunitiesCreated != 4 {
			t.Errorf("counts = %+v", got)
		}
		if len(got.Failures) != 1 || got.Failures[0].ItemKey != "lugia" || got.Failures[0].Attempts != 3 {
			t.Errorf("failures = %+v", got.Failures)
		}
	})

	t.Run("list recent newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := []string{
			"00000000-0000-0000-0000-000000000001",
			"00000000-0000-0000-0000-000000000002",
			"00000000-0000-0000-0000-000000000003",
		}
		for i, id := range ids {
			if err := s.Create(ctx, domain.ScanRun{ID: id, Status: domain.ScanStatusCompleted, StartedAt: Base.Add(time.Duration(i) * time.Hour)}); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}
		runs, err := s.ListRecent(ctx, 2)
		if err != nil {
			t.Fatalf("ListRecent: %v", err)
		}
		if len(runs) != 2 || runs[0].ID != ids[2] || runs[1].ID != ids[1] {
			t.Errorf("ListRecent = %v", runs)
		}
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.GetByID(ctx, "00000000-0000-0000-0000-00000000ffff"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetByID err = %v", err)
		}
		err := s.Update(ctx, domain.ScanRun{ID: "00000000-0000-0000-0000-00000000ffff", StartedAt: Base})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Update err = %v", err)
		}
	})
}

func mustUpsert(t *testing.T, s domain.OpportunityStore, u domain.OpportunityUpsert) domain.Opportunity {
	t.Helper()
	opp, _, err := s.Upsert(context.Background(), u)
	if err != nil {
		t.Fatalf("Upsert %s: %v", u.ListingID, err)
	}
	return opp
}

func mustGet(t *testing.T, s domain.OpportunityStore, id string) domain.Opportunity {
	t.Helper()
	opp, err := s.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID %s: %v", id, err)
	}
	return opp
}

func assertOrder(t *testing.T, s domain.OpportunityStore, opts domain.ListOpts, want ...string) {
	t.Helper()
	got, err := s.ListActive(context.Background(), opts)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	ids := make([]string, len(got))
	for i, o := range got {
		ids[i] = o.ListingID
	}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ListActive(%+v) = %v, want %v", opts, ids, want)
	}
}
