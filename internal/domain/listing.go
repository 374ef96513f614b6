package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a single fixed-price marketplace offer observed during a scan.
// Listings are transient; only qualifying ones become Opportunities.
type Listing struct {
	ListingID  string
	ItemKey    string
	Price      decimal.Decimal
	Shipping   decimal.Decimal
	Currency   string
	Title      string
	URL        string
	ImageURL   string
	Seller     string
	ObservedAt time.Time
}

// Cost is what a buyer pays for the listing: asking price plus shipping.
func (l Listing) Cost() decimal.Decimal {
	return l.Price.Add(l.Shipping)
}

// Benchmark is the reference market value for an item.
type Benchmark struct {
	ItemKey    string
	Value      decimal.Decimal
	SampleSize int
	Min        decimal.Decimal
	Max        decimal.Decimal
	Source     string
	ResolvedAt time.Time
}

// Usable reports whether the benchmark can be used to price listings.
func (b Benchmark) Usable() bool {
	return b.Value.IsPositive()
}
