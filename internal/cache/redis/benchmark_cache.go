package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// BenchmarkCache implements domain.BenchmarkCache as JSON strings with a TTL
// at "<prefix>benchmark:<key>".
type BenchmarkCache struct {
	c *Client
}

// NewBenchmarkCache creates a BenchmarkCache backed by the given Client.
func NewBenchmarkCache(c *Client) *BenchmarkCache {
	return &BenchmarkCache{c: c}
}

type cachedBenchmark struct {
	ItemKey    string          `json:"item_key"`
	Value      decimal.Decimal `json:"value"`
	SampleSize int             `json:"sample_size"`
	Min        decimal.Decimal `json:"min"`
	Max        decimal.Decimal `json:"max"`
	Source     string          `json:"source"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// SetBenchmark stores b under key for ttl.
func (bc *BenchmarkCache) SetBenchmark(ctx context.Context, key string, b domain.Benchmark, ttl time.Duration) error {
	data, err := json.Marshal(cachedBenchmark(b))
	if err != nil {
		return fmt.Errorf("redis: marshal benchmark %s: %w", key, err)
	}
	if err := bc.c.rdb.Set(ctx, bc.c.key("benchmark", key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set benchmark %s: %w", key, err)
	}
	return nil
}

// GetBenchmark returns the cached benchmark for key, or domain.ErrNotFound.
func (bc *BenchmarkCache) GetBenchmark(ctx context.Context, key string) (domain.Benchmark, error) {
	data, err := bc.c.rdb.Get(ctx, bc.c.key("benchmark", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Benchmark{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Benchmark{}, fmt.Errorf("redis: get benchmark %s: %w", key, err)
	}

	var cb cachedBenchmark
	if err := json.Unmarshal(data, &cb); err != nil {
		return domain.Benchmark{}, fmt.Errorf("redis: decode benchmark %s: %w", key, err)
	}
	return domain.Benchmark(cb), nil
}

var _ domain.BenchmarkCache = (*BenchmarkCache)(nil)
