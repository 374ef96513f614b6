package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/store/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trackedItem(key string) domain.TrackedItem {
	return domain.TrackedItem{Key: key, Name: key, Query: key, PriceCeiling: dec("3000"), BenchmarkKey: key}
}

func catalog(t *testing.T, keys ...string) *domain.Catalog {
	t.Helper()
	items := make([]domain.TrackedItem, len(keys))
	for i, k := range keys {
		items[i] = trackedItem(k)
	}
	c, err := domain.NewCatalog(items)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

// clock hands out strictly increasing timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeFetcher struct {
	mu       sync.Mutex
	now      func() time.Time
	prices   map[string][]string // item -> "id=price"
	errs     map[string][]error  // item -> errors returned before succeeding
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
	gate     chan struct{}
}

func newFakeFetcher(now func() time.Time) *fakeFetcher {
	return &fakeFetcher{now: now, prices: map[string][]string{}, errs: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) set(item string, listings ...string) {
	f.mu.Lock()
	f.prices[item] = listings
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, item domain.TrackedItem) ([]domain.Listing, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[item.Key]++
	if errs := f.errs[item.Key]; len(errs) > 0 {
		err := errs[0]
		f.errs[item.Key] = errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	specs := f.prices[item.Key]
	f.mu.Unlock()

	at := f.now()
	out := make([]domain.Listing, 0, len(specs))
	for _, s := range specs {
		var id, price string
		for i := range s {
			if s[i] == '=' {
				id, price = s[:i], s[i+1:]
				break
			}
		}
		out = append(out, domain.Listing{ListingID: id, ItemKey: item.Key, Price: dec(price), Title: id, ObservedAt: at})
	}
	return out, nil
}

type fakeResolver struct {
	mu     sync.Mutex
	values map[string]string // item -> benchmark; missing means unavailable
	errs   map[string]error
}

func (r *fakeResolver) Resolve(_ context.Context, item domain.TrackedItem) (domain.Benchmark, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[item.Key]; err != nil {
		return domain.Benchmark{}, false, err
	}
	v, ok := r.values[item.Key]
	if !ok {
		return domain.Benchmark{}, false, nil
	}
	return domain.Benchmark{ItemKey: item.Key, Value: dec(v), SampleSize: 5}, true, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string]int
	streamed  int
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string]int{}
	}
	b.published[channel]++
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	b.streamed++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeAlerts struct {
	mu            sync.Mutex
	opportunities []string
	scanFailures  []domain.ScanStatus
}

func (a *fakeAlerts) OpportunityDetected(_ context.Context, o domain.Opportunity) error {
	a.mu.Lock()
	a.opportunities = append(a.opportunities, o.ListingID)
	a.mu.Unlock()
	return nil
}

func (a *fakeAlerts) ScanFailed(_ context.Context, run domain.ScanRun) error {
	a.mu.Lock()
	a.scanFailures = append(a.scanFailures, run.Status)
	a.mu.Unlock()
	return nil
}

type harness struct {
	scanner  *Scanner
	fetcher  *fakeFetcher
	resolver *fakeResolver
	opps     *memory.OpportunityStore
	runs     *memory.ScanRunStore
	bus      *fakeBus
	alerts   *fakeAlerts
}

func newHarness(t *testing.T, cfg ScannerConfig, keys ...string) *harness {
	t.Helper()
	clk := newClock()
	h := &harness{
		fetcher:  newFakeFetcher(clk.Now),
		resolver: &fakeResolver{values: map[string]string{}, errs: map[string]error{}},
		opps:     memory.NewOpportunityStore(),
		runs:     memory.NewScanRunStore(100),
		bus:      &fakeBus{},
		alerts:   &fakeAlerts{},
	}
	h.scanner = NewScanner(cfg, ScannerDeps{
		Catalog:       catalog(t, keys...),
		Fetcher:       h.fetcher,
		Resolver:      h.resolver,
		Opportunities: h.opps,
		Runs:          h.runs,
		Bus:           h.bus,
		Alerts:        h.alerts,
	}, quiet)
	h.scanner.now = clk.Now
	h.scanner.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) status(t *testing.T, id string) domain.OpportunityStatus {
	t.Helper()
	o, err := h.opps.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return o.Status
}

func TestRunPassRecordsQualifyingListings(t *testing.T) {
	h := newHarness(t, ScannerConfig{}, "charizard")
	h.resolver.values["charizard"] = "1000"
	h.fetcher.set("charizard", "A=800", "B=900", "C=850")

	run, err := h.scanner.RunPass(context.Background(), TriggerOnce)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if run.Status != domain.ScanStatusCompleted || run.OpportunitiesCreated != 2 || run.ListingsSeen != 3 {
		t.Fatalf("unexpected run %+v", run)
	}

	active, err := h.opps.ListActive(context.Background(), domain.ListOpts{})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ListingID != "A" || active[1].ListingID != "C" {
		t.Fatalf("expected [A C] by discount, got %+v", active)
	}
	if !active[1].DiscountRatio.Equal(dec("0.15")) {
		t.Fatalf("boundary discount = %s", active[1].DiscountRatio)
	}
	if _, err := h.opps.GetByID(context.Background(), "B"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("non-qualifying listing was stored: %v", err)
	}

	stored, err := h.runs.GetByID(context.Background(), run.ID)
	if err != nil || stored.Status != domain.ScanStatusCompleted || stored.FinishedAt == nil {
		t.Fatalf("run not persisted: %+v err=%v", stored, err)
	}
	if h.bus.published[domain.ChannelOpportunity] != 2 || h.bus.published[domain.ChannelScan] != 1 || h.bus.streamed != 1 {
		t.Fatalf("unexpected events %+v streamed=%d", h.bus.published, h.bus.streamed)
	}
	if len(h.alerts.opportunities) != 2 || len(h.alerts.scanFailures) != 0 {
		t.Fatalf("unexpected alerts %+v", h.alerts)
	}
}

func TestRunPassExpiresMissingAndRefreshes(t *testing.T) {
	h := newHarness(t, ScannerConfig{}, "charizard")
	h.resolver.values["charizard"] = "1000"
	h.fetcher.set("charizard", "A=800", "C=850")
	if _, err := h.scanner.RunPass(context.Background(), TriggerSchedule); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// A disappears; C is still listed but no longer qualifies.
	h.fetcher.set("charizard", "C=950")
	run, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if run.OpportunitiesExpired != 1 || run.OpportunitiesUpdated != 1 || run.OpportunitiesCreated != 0 {
		t.Fatalf("unexpected counts %+v", run)
	}
	if h.status(t, "A") != domain.OpportunityStatusExpired {
		t.Fatal("A should be expired")
	}
	c, _ := h.opps.GetByID(context.Background(), "C")
	if !c.Active() || !c.Price.Equal(dec("950")) || !c.DiscountRatio.Equal(dec("0.05")) {
		t.Fatalf("C should be refreshed and stay active, got %+v", c)
	}

	// A coming back does not resurrect it.
	h.fetcher.set("charizard", "A=700", "C=950")
	if _, err := h.scanner.RunPass(context.Background(), TriggerSchedule); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if h.status(t, "A") != domain.OpportunityStatusExpired {
		t.Fatal("expired opportunity was reactivated")
	}
}

func TestRunPassIsolatesItemFailures(t *testing.T) {
	h := newHarness(t, ScannerConfig{Retry: RetryPolicy{MaxAttempts: 3}}, "good", "flaky")
	h.resolver.values["good"] = "1000"
	h.resolver.values["flaky"] = "1000"
	h.fetcher.set("good", "G=500")
	h.fetcher.set("flaky", "F=500")
	if _, err := h.scanner.RunPass(context.Background(), TriggerSchedule); err != nil {
		t.Fatalf("seed pass: %v", err)
	}

	transient := &domain.FetchError{ItemKey: "flaky", Retryable: true, Err: domain.ErrUpstream}
	h.fetcher.errs["flaky"] = []error{transient, transient, transient}
	h.fetcher.set("good")

	run, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if run.Status != domain.ScanStatusCompletedWithErrors || run.ItemsFailed != 1 || run.ItemsSucceeded != 1 {
		t.Fatalf("unexpected run %+v", run)
	}
	f := run.Failures[0]
	if f.ItemKey != "flaky" || f.Stage != domain.StageFetch || f.Attempts != 3 || !f.Retryable {
		t.Fatalf("unexpected failure %+v", f)
	}
	if h.status(t, "F") != domain.OpportunityStatusActive {
		t.Fatal("failed item's opportunities must not be expired")
	}
	if h.status(t, "G") != domain.OpportunityStatusExpired {
		t.Fatal("empty fetch should expire the item's opportunities")
	}
	if len(h.alerts.scanFailures) != 1 {
		t.Fatalf("expected a scan_failed alert, got %v", h.alerts.scanFailures)
	}
}

func TestRunPassRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, ScannerConfig{Retry: RetryPolicy{MaxAttempts: 3}}, "charizard")
	h.resolver.values["charizard"] = "1000"
	h.fetcher.set("charizard", "A=800")
	h.fetcher.errs["charizard"] = []error{&domain.FetchError{ItemKey: "charizard", Retryable: true, Err: domain.ErrRateLimited}}

	run, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if run.Status != domain.ScanStatusCompleted || h.fetcher.calls["charizard"] != 2 {
		t.Fatalf("status=%s calls=%d", run.Status, h.fetcher.calls["charizard"])
	}
}

func TestRunPassDoesNotRetryNonRetryable(t *testing.T) {
	h := newHarness(t, ScannerConfig{Retry: RetryPolicy{MaxAttempts: 3}}, "charizard")
	h.resolver.values["charizard"] = "1000"
	h.fetcher.errs["charizard"] = []error{&domain.FetchError{ItemKey: "charizard", Err: domain.ErrMalformedResponse}}

	run, _ := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if h.fetcher.calls["charizard"] != 1 || run.Failures[0].Attempts != 1 {
		t.Fatalf("calls=%d failures=%+v", h.fetcher.calls["charizard"], run.Failures)
	}
}

func TestRunPassFailsOnPermanentError(t *testing.T) {
	h := newHarness(t, ScannerConfig{Concurrency: 1}, "a", "b")
	h.resolver.values["a"] = "1000"
	h.resolver.values["b"] = "1000"
	h.fetcher.set("a", "A=500")
	h.fetcher.set("b", "B=500")
	if _, err := h.scanner.RunPass(context.Background(), TriggerSchedule); err != nil {
		t.Fatalf("seed pass: %v", err)
	}

	h.resolver.errs["a"] = &domain.ResolveError{ItemKey: "a", Err: domain.ErrUnauthorized}
	h.fetcher.set("b")

	run, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if run.Status != domain.ScanStatusFailed || run.Error == "" {
		t.Fatalf("unexpected run %+v", run)
	}
	if h.status(t, "B") != domain.OpportunityStatusActive {
		t.Fatal("a failed pass must not expire anything")
	}
	if len(h.alerts.scanFailures) != 1 || h.alerts.scanFailures[0] != domain.ScanStatusFailed {
		t.Fatalf("expected failed alert, got %v", h.alerts.scanFailures)
	}
}

func TestRunPassSkipsItemsWithoutBenchmark(t *testing.T) {
	h := newHarness(t, ScannerConfig{}, "charizard")
	h.resolver.values["charizard"] = "1000"
	h.fetcher.set("charizard", "A=800")
	if _, err := h.scanner.RunPass(context.Background(), TriggerSchedule); err != nil {
		t.Fatalf("seed pass: %v", err)
	}

	delete(h.resolver.values, "charizard")
	h.fetcher.set("charizard")
	run, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if run.ItemsSkipped != 1 || run.Status != domain.ScanStatusCompleted || run.OpportunitiesExpired != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if h.status(t, "A") != domain.OpportunityStatusActive {
		t.Fatal("items without a benchmark must be excluded from expiry")
	}
}

func TestRunPassRejectsOverlap(t *testing.T) {
	h := newHarness(t, ScannerConfig{}, "charizard")
	h.resolver.values["charizard"] = "1000"
	h.fetcher.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for h.fetcher.inFlight.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first pass never started fetching")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := h.scanner.RunPass(context.Background(), TriggerSchedule); !errors.Is(err, domain.ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
	close(h.fetcher.gate)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
}

func TestRunPassBoundsConcurrency(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	h := newHarness(t, ScannerConfig{Concurrency: 2}, keys...)
	for _, k := range keys {
		h.resolver.values[k] = "1000"
	}
	h.fetcher.gate = make(chan struct{})
	go func() {
		for range keys {
			time.Sleep(2 * time.Millisecond)
			h.fetcher.gate <- struct{}{}
		}
	}()

	run, err := h.scanner.RunPass(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if run.ItemsSucceeded != len(keys) {
		t.Fatalf("expected all items to succeed, got %+v", run)
	}
	if peak := h.fetcher.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
}

func TestWithRetryBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseBackoff: time.Second, MaxBackoff: 3 * time.Second}
	var waits []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	calls := 0
	_, attempts, err := withRetry(context.Background(), p, sleep, func(context.Context) (int, error) {
		calls++
		return 0, domain.ErrRateLimited
	})
	if !errors.Is(err, domain.ErrRateLimited) || attempts != 4 || calls != 4 {
		t.Fatalf("attempts=%d calls=%d err=%v", attempts, calls, err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
}
