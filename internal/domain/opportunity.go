package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityStatus tracks the opportunity lifecycle. The only transition
// is active -> expired.
type OpportunityStatus string

const (
	OpportunityStatusActive  OpportunityStatus = "active"
	OpportunityStatusExpired OpportunityStatus = "expired"
)

// DefaultDiscountThreshold is the minimum discount ratio for a listing to
// qualify as an opportunity.
var DefaultDiscountThreshold = decimal.RequireFromString("0.15")

// ratioPlaces bounds the stored precision of a discount ratio.
const ratioPlaces = 6

// Opportunity is a listing priced sufficiently below its benchmark.
// ListingID is the identity; there is at most one record per listing.
type Opportunity struct {
	ListingID       string            `json:"listing_id"`
	ItemKey         string            `json:"item_key"`
	ItemName        string            `json:"item_name"`
	Title           string            `json:"title"`
	URL             string            `json:"url"`
	ImageURL        string            `json:"image_url,omitempty"`
	Seller          string            `json:"seller,omitempty"`
	Price           decimal.Decimal   `json:"price"`                // cost incl. shipping
	BenchmarkValue  decimal.Decimal   `json:"benchmark_value"`
	DiscountRatio   decimal.Decimal   `json:"discount_ratio"`
	PotentialProfit decimal.Decimal   `json:"potential_profit"`
	Status          OpportunityStatus `json:"status"`
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	ExpiredAt       *time.Time        `json:"expired_at,omitempty"`
}

// Active reports whether the opportunity has not been expired.
func (o Opportunity) Active() bool {
	return o.Status == OpportunityStatusActive
}

// OpportunityUpsert is one observation written to the OpportunityStore.
type OpportunityUpsert struct {
	ListingID      string
	ItemKey        string
	ItemName       string
	Title          string
	URL            string
	ImageURL       string
	Seller         string
	Price          decimal.Decimal
	BenchmarkValue decimal.Decimal
	ObservedAt     time.Time
}

// DiscountRatio returns (benchmark - price) / benchmark, rounded to six
// places. It returns zero when the benchmark is not positive.
func DiscountRatio(price, benchmark decimal.Decimal) decimal.Decimal {
	if !benchmark.IsPositive() {
		return decimal.Zero
	}
	return benchmark.Sub(price).DivRound(benchmark, ratioPlaces)
}

// MeetsDiscount reports whether price is at least threshold below benchmark,
// i.e. benchmark - price >= threshold * benchmark. It is exact; the rounded
// DiscountRatio is for display and sorting only.
func MeetsDiscount(price, benchmark, threshold decimal.Decimal) bool {
	if !benchmark.IsPositive() {
		return false
	}
	return benchmark.Sub(price).GreaterThanOrEqual(threshold.Mul(benchmark))
}

// Apply overwrites the observation-derived fields of o with u.
// Status, FirstSeenAt and ExpiredAt are left alone.
func (o *Opportunity) Apply(u OpportunityUpsert) {
	o.ItemKey = u.ItemKey
	if u.ItemName != "" {
		o.ItemName = u.ItemName
	}
	o.Title = u.Title
	o.URL = u.URL
	o.ImageURL = u.ImageURL
	o.Seller = u.Seller
	o.Price = u.Price
	o.BenchmarkValue = u.BenchmarkValue
	o.DiscountRatio = DiscountRatio(u.Price, u.BenchmarkValue)
	o.PotentialProfit = u.BenchmarkValue.Sub(u.Price)
	o.LastSeenAt = u.ObservedAt
}

// NewOpportunity builds a fresh active record from its first observation.
func NewOpportunity(u OpportunityUpsert) Opportunity {
	o := Opportunity{
		ListingID:   u.ListingID,
		Status:      OpportunityStatusActive,
		FirstSeenAt: u.ObservedAt,
	}
	o.Apply(u)
	return o
}

// OpportunitySort selects the ordering of opportunity listings.
type OpportunitySort string

const (
	SortByDiscount OpportunitySort = "discount"
	SortByProfit   OpportunitySort = "profit"
	SortByPrice    OpportunitySort = "price"
	SortByRecent   OpportunitySort = "recent"
)

// ParseOpportunitySort maps a query value to a sort, defaulting to discount.
func ParseOpportunitySort(s string) OpportunitySort {
	switch OpportunitySort(s) {
	case SortByProfit, SortByPrice, SortByRecent:
		return OpportunitySort(s)
	default:
		return SortByDiscount
	}
}
