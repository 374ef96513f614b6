package domain

import "context"

// ListingFetcher retrieves the current fixed-price listings for an item.
// The result is a finite snapshot; failures are *FetchError.
type ListingFetcher interface {
	Fetch(ctx context.Context, item TrackedItem) ([]Listing, error)
}

// BenchmarkResolver produces the reference market value for an item.
// ok is false when no benchmark is available, which is not an error.
// Failures are *ResolveError.
type BenchmarkResolver interface {
	Resolve(ctx context.Context, item TrackedItem) (b Benchmark, ok bool, err error)
}
