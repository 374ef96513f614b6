package ebay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const benchmarkSource = "ebay_most_watched"

// MerchandisingConfig controls benchmark resolution.
type MerchandisingConfig struct {
	URL         string
	AppID       string
	CategoryID  string
	QueryPrefix string
	Samples     int
	// PriceFloor rejects averages below this value as noise.
	PriceFloor decimal.Decimal
}

// MerchandisingClient implements domain.BenchmarkResolver by averaging the
// prices of the most-watched items for the benchmark key.
type MerchandisingClient struct {
	cfg    MerchandisingConfig
	tr     transport
	now    func() time.Time
	logger *slog.Logger
}

// NewMerchandisingClient creates a MerchandisingClient.
func NewMerchandisingClient(cfg MerchandisingConfig, httpClient *http.Client, limiter domain.RateLimiter, logger *slog.Logger) *MerchandisingClient {
	if cfg.URL == "" {
		cfg.URL = defaultMerchandisingURL
	}
	if cfg.Samples <= 0 {
		cfg.Samples = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MerchandisingClient{
		cfg:    cfg,
		tr:     newTransport(httpClient, limiter),
		now:    time.Now,
		logger: logger.With(slog.String("component", "ebay_merchandising")),
	}
}

// Resolve returns the average most-watched price for item. ok is false when
// no prices were returned or the average falls outside [floor, ceiling).
func (c *MerchandisingClient) Resolve(ctx context.Context, item domain.TrackedItem) (domain.Benchmark, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(item), nil)
	if err != nil {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey: item.Key,
			Err:     fmt.Errorf("ebay/merchandising: create request: %w", err),
		}
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.tr.do(ctx, req)
	if err != nil {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey:   item.Key,
			Retryable: retryable(err),
			Err:       fmt.Errorf("ebay/merchandising: most watched: %w", err),
		}
	}

	var env mostWatchedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey: item.Key,
			Err:     fmt.Errorf("ebay/merchandising: decode: %w: %v", domain.ErrMalformedResponse, err),
		}
	}
	if strings.EqualFold(env.Response.Ack, "Failure") {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey: item.Key,
			Err:     fmt.Errorf("ebay/merchandising: ack failure: %w", domain.ErrUpstream),
		}
	}

	b, ok := c.summarise(item, env.Response.ItemRecommendations.Item)
	if !ok {
		c.logger.DebugContext(ctx, "benchmark unavailable",
			slog.String("item_key", item.Key),
			slog.String("benchmark_key", item.BenchmarkKey),
		)
	}
	return b, ok, nil
}

// summarise averages the sampled prices and applies the sanity bounds.
func (c *MerchandisingClient) summarise(item domain.TrackedItem, items merchItemList) (domain.Benchmark, bool) {
	var prices []decimal.Decimal
	for _, it := range items {
		if p, ok := it.price(); ok {
			prices = append(prices, p)
		}
	}
	if len(prices) == 0 {
		return domain.Benchmark{}, false
	}

	sum, lo, hi := decimal.Zero, prices[0], prices[0]
	for _, p := range prices {
		sum = sum.Add(p)
		lo = decimal.Min(lo, p)
		hi = decimal.Max(hi, p)
	}
	avg := sum.DivRound(decimal.NewFromInt(int64(len(prices))), 2)

	if item.PriceCeiling.IsPositive() && avg.GreaterThanOrEqual(item.PriceCeiling) {
		return domain.Benchmark{}, false
	}
	if avg.LessThan(c.cfg.PriceFloor) {
		return domain.Benchmark{}, false
	}

	return domain.Benchmark{
		ItemKey:    item.Key,
		Value:      avg,
		SampleSize: len(prices),
		Min:        lo,
		Max:        hi,
		Source:     benchmarkSource,
		ResolvedAt: c.now().UTC(),
	}, true
}

func (c *MerchandisingClient) requestURL(item domain.TrackedItem) string {
	params := url.Values{}
	params.Set("OPERATION-NAME", "getMostWatchedItems")
	params.Set("SERVICE-VERSION", "1.1.0")
	params.Set("CONSUMER-ID", c.cfg.AppID)
	params.Set("RESPONSE-DATA-FORMAT", "JSON")
	params.Set("REST-PAYLOAD", "")
	if c.cfg.CategoryID != "" {
		params.Set("categoryId", c.cfg.CategoryID)
	}
	params.Set("maxResults", strconv.Itoa(c.cfg.Samples))
	params.Set("keywords", strings.TrimSpace(c.cfg.QueryPrefix+" "+item.BenchmarkKey))
	return c.cfg.URL + "?" + params.Encode()
}

var _ domain.BenchmarkResolver = (*MerchandisingClient)(nil)
