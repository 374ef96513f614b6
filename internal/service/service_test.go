package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/store/memory"
	"github.com/alanyoungcy/slabscan/internal/store/storetest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubResolver struct {
	calls int
	b     domain.Benchmark
	ok    bool
	err   error
}

func (r *stubResolver) Resolve(_ context.Context, item domain.TrackedItem) (domain.Benchmark, bool, error) {
	r.calls++
	b := r.b
	b.ItemKey = item.Key
	return b, r.ok, r.err
}

type mapCache struct {
	mu     sync.Mutex
	m      map[string]domain.Benchmark
	getErr error
	sets   int
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string]domain.Benchmark)} }

func (c *mapCache) SetBenchmark(_ context.Context, key string, b domain.Benchmark, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = b
	c.sets++
	return nil
}

func (c *mapCache) GetBenchmark(_ context.Context, key string) (domain.Benchmark, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.Benchmark{}, c.getErr
	}
	b, ok := c.m[key]
	if !ok {
		return domain.Benchmark{}, domain.ErrNotFound
	}
	return b, nil
}

func item(key, benchKey string) domain.TrackedItem {
	return domain.TrackedItem{Key: key, Query: key, BenchmarkKey: benchKey, PriceCeiling: decimal.NewFromInt(3000)}
}

func TestBenchmarkServiceCachesByBenchmarkKey(t *testing.T) {
	res := &stubResolver{b: domain.Benchmark{Value: decimal.NewFromInt(1000)}, ok: true}
	cache := newMapCache()
	svc := NewBenchmarkService(res, cache, time.Hour, quiet)
	ctx := context.Background()

	b1, ok, err := svc.Resolve(ctx, item("a", "shared"))
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}
	b2, ok, err := svc.Resolve(ctx, item("b", "shared"))
	if err != nil || !ok {
		t.Fatalf("second resolve: ok=%v err=%v", ok, err)
	}
	if res.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", res.calls)
	}
	if b1.ItemKey != "a" || b2.ItemKey != "b" {
		t.Fatalf("cached benchmark should carry the requesting item key, got %q and %q", b1.ItemKey, b2.ItemKey)
	}
}

func TestBenchmarkServiceCacheKeySeparatesSourceAndLanguage(t *testing.T) {
	res := &stubResolver{b: domain.Benchmark{Value: decimal.NewFromInt(1000)}, ok: true}
	cache := newMapCache()
	svc := NewBenchmarkService(res, cache, time.Hour, quiet).WithSource("sold")
	ctx := context.Background()

	en := item("a", "shared")
	en.Language = "English"
	jp := item("b", "shared")
	jp.Language = "Japanese"
	for _, it := range []domain.TrackedItem{en, jp, en} {
		if _, ok, err := svc.Resolve(ctx, it); err != nil || !ok {
			t.Fatalf("resolve %s: ok=%v err=%v", it.Key, ok, err)
		}
	}
	if res.calls != 2 {
		t.Fatalf("expected one upstream call per language, got %d", res.calls)
	}
	for _, key := range []string{"sold:shared|english", "sold:shared|japanese"} {
		if _, ok := cache.m[key]; !ok {
			t.Errorf("cache missing %q: %v", key, cache.m)
		}
	}
}

func TestBenchmarkServiceDoesNotCacheUnavailable(t *testing.T) {
	res := &stubResolver{ok: false}
	cache := newMapCache()
	svc := NewBenchmarkService(res, cache, time.Hour, quiet)

	for i := 0; i < 2; i++ {
		if _, ok, err := svc.Resolve(context.Background(), item("a", "a")); ok || err != nil {
			t.Fatalf("expected unavailable, got ok=%v err=%v", ok, err)
		}
	}
	if res.calls != 2 || cache.sets != 0 {
		t.Fatalf("calls=%d sets=%d", res.calls, cache.sets)
	}
}

func TestBenchmarkServiceCacheFailureFallsThrough(t *testing.T) {
	res := &stubResolver{b: domain.Benchmark{Value: decimal.NewFromInt(500)}, ok: true}
	cache := newMapCache()
	cache.getErr = errors.New("connection refused")
	svc := NewBenchmarkService(res, cache, time.Hour, quiet)

	b, ok, err := svc.Resolve(context.Background(), item("a", "a"))
	if err != nil || !ok || !b.Value.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected live resolve, got %+v ok=%v err=%v", b, ok, err)
	}
}

func TestBenchmarkServicePropagatesResolveError(t *testing.T) {
	want := &domain.ResolveError{ItemKey: "a", Retryable: true, Err: domain.ErrUpstream}
	svc := NewBenchmarkService(&stubResolver{err: want}, nil, 0, quiet)

	_, _, err := svc.Resolve(context.Background(), item("a", "a"))
	if !errors.Is(err, domain.ErrUpstream) || !domain.IsRetryable(err) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestOpportunityServiceList(t *testing.T) {
	ctx := context.Background()
	opps := memory.NewOpportunityStore()
	runs := memory.NewScanRunStore(10)
	svc := NewOpportunityService(opps, runs, quiet)

	for _, u := range []domain.OpportunityUpsert{
		storetest.Upsert("A", "800", "1000", storetest.Base),
		storetest.Upsert("B", "500", "1000", storetest.Base),
		storetest.Upsert("C", "700", "1000", storetest.Base),
	} {
		if _, _, err := opps.Upsert(ctx, u); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if _, err := opps.ExpireMissing(ctx, "charizard", []string{"A", "B"}, storetest.Base.Add(time.Minute)); err != nil {
		t.Fatalf("ExpireMissing: %v", err)
	}

	active, err := svc.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ListingID != "B" || active[1].ListingID != "A" {
		t.Fatalf("unexpected active order %+v", active)
	}

	all, err := svc.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpportunityServiceRuns(t *testing.T) {
	ctx := context.Background()
	runs := memory.NewScanRunStore(10)
	svc := NewOpportunityService(memory.NewOpportunityStore(), runs, quiet)

	last, err := svc.LastRun(ctx)
	if err != nil || last != nil {
		t.Fatalf("expected no runs, got %+v err=%v", last, err)
	}

	for i, id := range []string{"r1", "r2"} {
		run := domain.ScanRun{ID: id, Status: domain.ScanStatusCompleted, StartedAt: storetest.Base.Add(time.Duration(i) * time.Hour)}
		if err := runs.Create(ctx, run); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	last, err = svc.LastRun(ctx)
	if err != nil || last == nil || last.ID != "r2" {
		t.Fatalf("expected r2, got %+v err=%v", last, err)
	}
	if _, err := svc.Run(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: 50, -3: 50, 10: 10, 500: 500, 9000: 500} {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
