package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TrackedItem is one catalog entry the scanner searches for.
type TrackedItem struct {
	Key          string
	Name         string
	Query        string          // marketplace search query
	PriceCeiling decimal.Decimal // listings above this cost are ignored
	BenchmarkKey string          // keywords used for the benchmark lookup
	Language     string          // optional aspect filter, e.g. "English"
}

// Validate reports whether the item can be searched at all.
func (it TrackedItem) Validate() error {
	if strings.TrimSpace(it.Key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidItem)
	}
	if strings.TrimSpace(it.Query) == "" {
		return fmt.Errorf("%w: item %q has empty query", ErrInvalidItem, it.Key)
	}
	if !it.PriceCeiling.IsPositive() {
		return fmt.Errorf("%w: item %q price ceiling must be > 0", ErrInvalidItem, it.Key)
	}
	return nil
}

// Catalog is the immutable set of items scanned on every pass.
type Catalog struct {
	items []TrackedItem
	byKey map[string]int
}

// NewCatalog validates items and builds a Catalog. Keys must be unique.
// An item without a BenchmarkKey falls back to its Query.
func NewCatalog(items []TrackedItem) (*Catalog, error) {
	c := &Catalog{
		items: make([]TrackedItem, 0, len(items)),
		byKey: make(map[string]int, len(items)),
	}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byKey[it.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidItem, it.Key)
		}
		if it.BenchmarkKey == "" {
			it.BenchmarkKey = it.Query
		}
		if it.Name == "" {
			it.Name = it.Key
		}
		c.byKey[it.Key] = len(c.items)
		c.items = append(c.items, it)
	}
	return c, nil
}

// Items returns a copy of the catalog entries in load order.
func (c *Catalog) Items() []TrackedItem {
	out := make([]TrackedItem, len(c.items))
	copy(out, c.items)
	return out
}

// Get looks up an item by key.
func (c *Catalog) Get(key string) (TrackedItem, bool) {
	i, ok := c.byKey[key]
	if !ok {
		return TrackedItem{}, false
	}
	return c.items[i], true
}

// Len returns the number of tracked items.
func (c *Catalog) Len() int { return len(c.items) }
