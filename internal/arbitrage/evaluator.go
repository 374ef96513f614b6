// Package arbitrage classifies marketplace listings against a market
// benchmark and decides which become opportunities.
package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// EvaluatorConfig configures the evaluator.
type EvaluatorConfig struct {
	// Threshold is the minimum discount ratio, inclusive. Zero means
	// domain.DefaultDiscountThreshold.
	Threshold decimal.Decimal
}

// Evaluator is a pure function over one item's listings and benchmark. It
// holds no state between calls and is safe for concurrent use.
type Evaluator struct {
	threshold decimal.Decimal
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	th := cfg.Threshold
	if !th.IsPositive() {
		th = domain.DefaultDiscountThreshold
	}
	return &Evaluator{threshold: th}
}

// Threshold returns the discount ratio a listing must reach to qualify.
func (e *Evaluator) Threshold() decimal.Decimal { return e.threshold }

// Evaluation is the outcome of evaluating one item.
type Evaluation struct {
	ItemKey string
	// BenchmarkAvailable is false when no usable benchmark exists. Nothing
	// is written and the item must be excluded from the expiry sweep.
	BenchmarkAvailable bool
	// Qualifying listings are created or updated in the store.
	Qualifying []domain.OpportunityUpsert
	// Refresh holds non-qualifying listings. They only update an existing
	// active record and never create one.
	Refresh []domain.OpportunityUpsert
	// ObservedIDs is every distinct listing id seen for the item, used to
	// decide which active records are still live.
	ObservedIDs []string
	Duplicates  int
	OverCeiling int
	Malformed   int
}

// Evaluate classifies listings for item against benchmark. ok reports
// whether a benchmark was resolved at all.
func (e *Evaluator) Evaluate(item domain.TrackedItem, listings []domain.Listing, benchmark domain.Benchmark, ok bool) Evaluation {
	ev := Evaluation{ItemKey: item.Key}

	unique, dups := dedupe(listings)
	ev.Duplicates = dups
	ev.ObservedIDs = make([]string, 0, len(unique))
	for _, l := range unique {
		ev.ObservedIDs = append(ev.ObservedIDs, l.ListingID)
	}

	if !ok || !benchmark.Usable() {
		return ev
	}
	ev.BenchmarkAvailable = true

	for _, l := range unique {
		if !l.Price.IsPositive() || l.Shipping.IsNegative() {
			ev.Malformed++
			continue
		}
		cost := l.Cost()
		if item.PriceCeiling.IsPositive() && cost.GreaterThan(item.PriceCeiling) {
			ev.OverCeiling++
			continue
		}
		u := domain.OpportunityUpsert{
			ListingID:      l.ListingID,
			ItemKey:        item.Key,
			ItemName:       item.Name,
			Title:          l.Title,
			URL:            l.URL,
			ImageURL:       l.ImageURL,
			Seller:         l.Seller,
			Price:          cost,
			BenchmarkValue: benchmark.Value,
			ObservedAt:     l.ObservedAt,
		}
		if e.Qualifies(cost, benchmark.Value) {
			ev.Qualifying = append(ev.Qualifying, u)
		} else {
			ev.Refresh = append(ev.Refresh, u)
		}
	}
	return ev
}

// Qualifies reports whether price is discounted at least the threshold
// relative to benchmark.
func (e *Evaluator) Qualifies(price, benchmark decimal.Decimal) bool {
	return domain.MeetsDiscount(price, benchmark, e.threshold)
}

// dedupe collapses listings sharing an id, keeping the last observation.
// A later entry with an earlier ObservedAt does not replace a newer one.
// Order of first appearance is preserved; entries without an id are dropped.
func dedupe(listings []domain.Listing) ([]domain.Listing, int) {
	idx := make(map[string]int, len(listings))
	out := make([]domain.Listing, 0, len(listings))
	dups := 0
	for _, l := range listings {
		if l.ListingID == "" {
			continue
		}
		i, seen := idx[l.ListingID]
		if !seen {
			idx[l.ListingID] = len(out)
			out = append(out, l)
			continue
		}
		dups++
		if !l.ObservedAt.Before(out[i].ObservedAt) {
			out[i] = l
		}
	}
	return out, dups
}
