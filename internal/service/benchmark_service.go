package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// BenchmarkService resolves benchmarks through a short-lived cache so that
// items sharing a benchmark key, and consecutive passes, do not repeat the
// upstream call.
type BenchmarkService struct {
	resolver domain.BenchmarkResolver
	cache    domain.BenchmarkCache
	ttl      time.Duration
	source   string
	logger   *slog.Logger
}

// NewBenchmarkService creates a BenchmarkService. A nil cache or a
// non-positive ttl disables caching.
func NewBenchmarkService(
	resolver domain.BenchmarkResolver,
	cache domain.BenchmarkCache,
	ttl time.Duration,
	logger *slog.Logger,
) *BenchmarkService {
	return &BenchmarkService{
		resolver: resolver,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
	}
}

// Resolve implements domain.BenchmarkResolver. Unavailable results are not
// cached, and cache failures fall through to a live resolve.
func (s *BenchmarkService) Resolve(ctx context.Context, item domain.TrackedItem) (domain.Benchmark, bool, error) {
	if !s.cacheEnabled() {
		return s.resolver.Resolve(ctx, item)
	}

	key := s.cacheKey(item)
	b, err := s.cache.GetBenchmark(ctx, key)
	switch {
	case err == nil && b.Usable():
		b.ItemKey = item.Key
		return b, true, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "benchmark_service: cache get failed",
			slog.String("cache_key", key),
			slog.String("error", err.Error()),
		)
	}

	b, ok, err := s.resolver.Resolve(ctx, item)
	if err != nil || !ok {
		return b, ok, err
	}

	if cacheErr := s.cache.SetBenchmark(ctx, key, b, s.ttl); cacheErr != nil {
		s.logger.WarnContext(ctx, "benchmark_service: cache set failed",
			slog.String("cache_key", key),
			slog.String("error", cacheErr.Error()),
		)
	}
	return b, true, nil
}

// WithSource namespaces cache entries by the upstream source name so that
// switching sources never serves benchmarks computed by the other one.
func (s *BenchmarkService) WithSource(name string) *BenchmarkService {
	s.source = name
	return s
}

// cacheKey is [source:]benchmarkKey[|language]. Items that share keywords
// but differ in language are resolved separately.
func (s *BenchmarkService) cacheKey(item domain.TrackedItem) string {
	key := item.BenchmarkKey
	if lang := strings.ToLower(strings.TrimSpace(item.Language)); lang != "" {
		key += "|" + lang
	}
	if s.source != "" {
		key = s.source + ":" + key
	}
	return key
}

func (s *BenchmarkService) cacheEnabled() bool {
	return s.cache != nil && s.ttl > 0
}

var _ domain.BenchmarkResolver = (*BenchmarkService)(nil)
