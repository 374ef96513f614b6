package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// BuildCatalog converts the [[catalog]] entries into an immutable
// domain.Catalog.
func (c *Config) BuildCatalog() (*domain.Catalog, error) {
	items := make([]domain.TrackedItem, 0, len(c.Catalog))
	for _, ic := range c.Catalog {
		items = append(items, domain.TrackedItem{
			Key:          ic.Key,
			Name:         ic.Name,
			Query:        ic.Query,
			PriceCeiling: decimal.NewFromFloat(ic.PriceCeiling),
			BenchmarkKey: ic.BenchmarkKey,
			Language:     ic.Language,
		})
	}
	cat, err := domain.NewCatalog(items)
	if err != nil {
		return nil, fmt.Errorf("config: build catalog: %w", err)
	}
	return cat, nil
}

// Threshold returns the configured discount threshold as a decimal.
func (c *Config) Threshold() decimal.Decimal {
	if c.Scan.DiscountThreshold <= 0 {
		return domain.DefaultDiscountThreshold
	}
	return decimal.NewFromFloat(c.Scan.DiscountThreshold)
}
