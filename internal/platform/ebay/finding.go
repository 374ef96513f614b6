package ebay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	defaultFindingURL = "https://svcs.ebay.com/services/search/FindingService/v1"
	soldSource        = "ebay_sold_completed"
)

// FindingConfig controls sold-price benchmark resolution.
type FindingConfig struct {
	URL         string
	AppID       string
	CategoryID  string
	QueryPrefix string
	// Currency drops sold comps priced in any other currency. Empty keeps all.
	Currency string
	Samples  int
	// PriceFloor rejects medians below this value as noise.
	PriceFloor decimal.Decimal
}

// FindingClient implements domain.BenchmarkResolver with the median of
// recently sold PSA 10 copies from findCompletedItems. Japanese and
// non-Japanese copies are kept apart by title.
type FindingClient struct {
	cfg    FindingConfig
	tr     transport
	now    func() time.Time
	logger *slog.Logger
}

// NewFindingClient creates a FindingClient.
func NewFindingClient(cfg FindingConfig, httpClient *http.Client, limiter domain.RateLimiter, logger *slog.Logger) *FindingClient {
	if cfg.URL == "" {
		cfg.URL = defaultFindingURL
	}
	if cfg.Samples <= 0 {
		cfg.Samples = 50
	}
	cfg.Samples = min(cfg.Samples, 100)
	if logger == nil {
		logger = slog.Default()
	}
	return &FindingClient{
		cfg:    cfg,
		tr:     newTransport(httpClient, limiter),
		now:    time.Now,
		logger: logger.With(slog.String("component", "ebay_finding")),
	}
}

// Resolve returns the median sold price for item. ok is false when no
// usable comps were found or the median falls outside [floor, ceiling).
func (c *FindingClient) Resolve(ctx context.Context, item domain.TrackedItem) (domain.Benchmark, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(item), nil)
	if err != nil {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey: item.Key,
			Err:     fmt.Errorf("ebay/finding: create request: %w", err),
		}
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.tr.do(ctx, req)
	if err != nil {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey:   item.Key,
			Retryable: retryable(err),
			Err:       fmt.Errorf("ebay/finding: completed items: %w", err),
		}
	}

	var env completedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey: item.Key,
			Err:     fmt.Errorf("ebay/finding: decode: %w: %v", domain.ErrMalformedResponse, err),
		}
	}
	resp := env.first()
	if strings.EqualFold(first(resp.Ack), "Failure") {
		return domain.Benchmark{}, false, &domain.ResolveError{
			ItemKey: item.Key,
			Err:     fmt.Errorf("ebay/finding: ack failure: %w", domain.ErrUpstream),
		}
	}

	b, ok := c.summarise(item, resp.items())
	if !ok {
		c.logger.DebugContext(ctx, "sold benchmark unavailable",
			slog.String("item_key", item.Key),
			slog.String("benchmark_key", item.BenchmarkKey),
		)
	}
	return b, ok, nil
}

// summarise filters the comps and takes their median.
func (c *FindingClient) summarise(item domain.TrackedItem, items []completedItem) (domain.Benchmark, bool) {
	wantJP := japaneseLanguage(item.Language)

	var prices []decimal.Decimal
	for _, it := range items {
		title := first(it.Title)
		if !psa10Title(title) || japaneseTitle(title) != wantJP {
			continue
		}
		p, ok := it.price()
		if !ok {
			continue
		}
		if c.cfg.Currency != "" && !strings.EqualFold(p.CurrencyID, c.cfg.Currency) {
			continue
		}
		prices = append(prices, p.Value)
	}
	if len(prices) == 0 {
		return domain.Benchmark{}, false
	}

	med := median(prices).Round(2)
	if item.PriceCeiling.IsPositive() && med.GreaterThanOrEqual(item.PriceCeiling) {
		return domain.Benchmark{}, false
	}
	if med.LessThan(c.cfg.PriceFloor) {
		return domain.Benchmark{}, false
	}

	return domain.Benchmark{
		ItemKey:    item.Key,
		Value:      med,
		SampleSize: len(prices),
		Min:        prices[0],
		Max:        prices[len(prices)-1],
		Source:     soldSource,
		ResolvedAt: c.now().UTC(),
	}, true
}

func (c *FindingClient) requestURL(item domain.TrackedItem) string {
	keywords := strings.TrimSpace(c.cfg.QueryPrefix + " " + item.BenchmarkKey)
	if japaneseLanguage(item.Language) && !japaneseTitle(keywords) {
		keywords += " japanese"
	}

	params := url.Values{}
	params.Set("OPERATION-NAME", "findCompletedItems")
	params.Set("SERVICE-VERSION", "1.13.0")
	params.Set("SECURITY-APPNAME", c.cfg.AppID)
	params.Set("RESPONSE-DATA-FORMAT", "JSON")
	params.Set("REST-PAYLOAD", "")
	if c.cfg.CategoryID != "" {
		params.Set("categoryId", c.cfg.CategoryID)
	}
	params.Set("keywords", keywords)
	params.Set("paginationInput.entriesPerPage", strconv.Itoa(c.cfg.Samples))
	params.Set("paginationInput.pageNumber", "1")
	params.Set("itemFilter(0).name", "SoldItemsOnly")
	params.Set("itemFilter(0).value", "true")
	return c.cfg.URL + "?" + params.Encode()
}

// median sorts values in place and returns the middle value, or the mean of
// the two middle values for an even count.
func median(values []decimal.Decimal) decimal.Decimal {
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1].Add(values[mid]).Div(decimal.NewFromInt(2))
}

func psa10Title(title string) bool {
	t := strings.ToUpper(title)
	return strings.Contains(t, "PSA 10") || strings.Contains(t, "PSA10")
}

func japaneseTitle(title string) bool {
	t := " " + strings.ToUpper(title) + " "
	return strings.Contains(t, "JAPANESE") ||
		strings.Contains(t, "JPN") ||
		strings.Contains(t, " JP ") ||
		strings.Contains(t, "JP-") ||
		strings.Contains(t, "JP_")
}

func japaneseLanguage(lang string) bool {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "japanese", "jp", "ja":
		return true
	}
	return false
}

var _ domain.BenchmarkResolver = (*FindingClient)(nil)
