package arbitrage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testItem() domain.TrackedItem {
	return domain.TrackedItem{
		Key:          "charizard",
		Name:         "Charizard Base Set",
		Query:        "charizard base set",
		PriceCeiling: dec("3000"),
		BenchmarkKey: "charizard base set",
	}
}

func listing(id, price string) domain.Listing {
	return domain.Listing{ListingID: id, ItemKey: "charizard", Price: dec(price), ObservedAt: t0}
}

func bench(v string) domain.Benchmark {
	return domain.Benchmark{ItemKey: "charizard", Value: dec(v), SampleSize: 5}
}

func ids(us []domain.OpportunityUpsert) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.ListingID
	}
	return out
}

func TestEvaluateClassifies(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	ev := e.Evaluate(testItem(), []domain.Listing{
		listing("A", "800"),
		listing("B", "900"),
		listing("C", "850"),
	}, bench("1000"), true)

	if !ev.BenchmarkAvailable {
		t.Fatal("benchmark should be available")
	}
	if got := ids(ev.Qualifying); len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("qualifying = %v, want [A C]", got)
	}
	if got := ids(ev.Refresh); len(got) != 1 || got[0] != "B" {
		t.Errorf("refresh = %v, want [B]", got)
	}
	if len(ev.ObservedIDs) != 3 {
		t.Errorf("observed = %v", ev.ObservedIDs)
	}
	a := ev.Qualifying[0]
	if !a.BenchmarkValue.Equal(dec("1000")) || a.ItemName != "Charizard Base Set" {
		t.Errorf("upsert fields = %+v", a)
	}
	if r := domain.DiscountRatio(a.Price, a.BenchmarkValue); !r.Equal(dec("0.2")) {
		t.Errorf("ratio = %s, want 0.2", r)
	}
}

func TestEvaluateRejectsRatioRoundingUpToThreshold(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	ev := e.Evaluate(testItem(), []domain.Listing{
		listing("A", "850.06"),
		listing("B", "850.05"),
	}, bench("1000.07"), true)

	if got := ids(ev.Qualifying); len(got) != 1 || got[0] != "B" {
		t.Errorf("qualifying = %v, want [B]", got)
	}
	if got := ids(ev.Refresh); len(got) != 1 || got[0] != "A" {
		t.Errorf("refresh = %v, want [A]", got)
	}
}

func TestEvaluateBenchmarkUnavailable(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	for name, tc := range map[string]struct {
		b  domain.Benchmark
		ok bool
	}{
		"not resolved": {domain.Benchmark{}, false},
		"zero value":   {bench("0"), true},
		"negative":     {bench("-10"), true},
	} {
		t.Run(name, func(t *testing.T) {
			ev := e.Evaluate(testItem(), []domain.Listing{listing("A", "1")}, tc.b, tc.ok)
			if ev.BenchmarkAvailable {
				t.Error("benchmark should be unavailable")
			}
			if len(ev.Qualifying) != 0 || len(ev.Refresh) != 0 {
				t.Errorf("no upserts expected, got %+v", ev)
			}
		})
	}
}

func TestEvaluateDedupeKeepsLastObserved(t *testing.T) {
	first := listing("A", "950")
	second := listing("A", "700")
	second.ObservedAt = t0.Add(time.Second)
	stale := listing("A", "100")
	stale.ObservedAt = t0.Add(-time.Hour)

	e := NewEvaluator(EvaluatorConfig{})
	ev := e.Evaluate(testItem(), []domain.Listing{first, second, stale}, bench("1000"), true)

	if ev.Duplicates != 2 {
		t.Errorf("duplicates = %d, want 2", ev.Duplicates)
	}
	if len(ev.Qualifying) != 1 || !ev.Qualifying[0].Price.Equal(dec("700")) {
		t.Fatalf("qualifying = %+v, want single A at 700", ev.Qualifying)
	}
	if len(ev.ObservedIDs) != 1 {
		t.Errorf("observed = %v", ev.ObservedIDs)
	}
}

func TestEvaluateSkipsAnomalies(t *testing.T) {
	over := listing("OVER", "2900")
	over.Shipping = dec("200")
	noID := listing("", "10")

	e := NewEvaluator(EvaluatorConfig{})
	ev := e.Evaluate(testItem(), []domain.Listing{
		listing("ZERO", "0"),
		listing("NEG", "-5"),
		over,
		noID,
		listing("OK", "500"),
	}, bench("1000"), true)

	if ev.Malformed != 2 {
		t.Errorf("malformed = %d, want 2", ev.Malformed)
	}
	if ev.OverCeiling != 1 {
		t.Errorf("over ceiling = %d, want 1", ev.OverCeiling)
	}
	if got := ids(ev.Qualifying); len(got) != 1 || got[0] != "OK" {
		t.Errorf("qualifying = %v", got)
	}
	// Anomalous listings are still present on the marketplace.
	if len(ev.ObservedIDs) != 4 {
		t.Errorf("observed = %v, want 4 ids", ev.ObservedIDs)
	}
}

func TestEvaluateIncludesShipping(t *testing.T) {
	l := listing("A", "800")
	l.Shipping = dec("100")

	e := NewEvaluator(EvaluatorConfig{})
	ev := e.Evaluate(testItem(), []domain.Listing{l}, bench("1000"), true)
	if len(ev.Qualifying) != 0 {
		t.Fatalf("800+100 against 1000 is a 10%% discount, got qualifying %+v", ev.Qualifying)
	}
	if len(ev.Refresh) != 1 || !ev.Refresh[0].Price.Equal(dec("900")) {
		t.Errorf("refresh = %+v", ev.Refresh)
	}
}

func TestCustomThreshold(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{Threshold: dec("0.3")})
	if e.Qualifies(dec("800"), dec("1000")) {
		t.Error("20% should not qualify at 30% threshold")
	}
	if !e.Qualifies(dec("700"), dec("1000")) {
		t.Error("30% should qualify at 30% threshold")
	}
	if e.Qualifies(dec("1"), dec("0")) {
		t.Error("zero benchmark never qualifies")
	}
}

func TestEvaluateEmpty(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	ev := e.Evaluate(testItem(), nil, bench("1000"), true)
	if !ev.BenchmarkAvailable || len(ev.ObservedIDs) != 0 || ev.ObservedIDs == nil {
		t.Errorf("empty fetch should still yield an empty observed set: %+v", ev)
	}
}
