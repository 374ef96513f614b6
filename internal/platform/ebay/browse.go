package ebay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	searchPath  = "/buy/browse/v1/item_summary/search"
	maxPageSize = 200
)

// BrowseConfig controls how listings are searched.
type BrowseConfig struct {
	BaseURL             string
	MarketplaceID       string
	Currency            string
	CategoryID          string
	QueryPrefix         string
	DestinationCountry  string
	DestinationPostcode string
	RequireGraded       bool
	Grader              string
	PageSize            int
	MaxPages            int
}

// BrowseClient implements domain.ListingFetcher over the Browse API search
// endpoint, restricted to fixed-price offers.
type BrowseClient struct {
	cfg    BrowseConfig
	tokens *TokenSource
	tr     transport
	now    func() time.Time
	logger *slog.Logger
}

// NewBrowseClient creates a BrowseClient. Zero-valued config fields fall back
// to production defaults.
func NewBrowseClient(cfg BrowseConfig, tokens *TokenSource, httpClient *http.Client, limiter domain.RateLimiter, logger *slog.Logger) *BrowseClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowseClient{
		cfg:    cfg,
		tokens: tokens,
		tr:     newTransport(httpClient, limiter),
		now:    time.Now,
		logger: logger.With(slog.String("component", "ebay_browse")),
	}
}

// Fetch returns every fixed-price listing currently matching the item, up to
// the configured page limit.
func (c *BrowseClient) Fetch(ctx context.Context, item domain.TrackedItem) ([]domain.Listing, error) {
	if err := item.Validate(); err != nil {
		return nil, &domain.FetchError{ItemKey: item.Key, Err: fmt.Errorf("ebay/browse: %w", err)}
	}

	var listings []domain.Listing
	observedAt := c.now().UTC()

	for page := 0; page < c.cfg.MaxPages; page++ {
		resp, err := c.searchPage(ctx, item, page*c.cfg.PageSize)
		if err != nil {
			return nil, &domain.FetchError{
				ItemKey:   item.Key,
				Retryable: retryable(err),
				Err:       fmt.Errorf("ebay/browse: search page %d: %w", page, err),
			}
		}
		for _, s := range resp.ItemSummaries {
			l := c.toListing(item, s, observedAt)
			// The search index can lag behind repricing.
			if l.Price.GreaterThan(item.PriceCeiling) {
				continue
			}
			listings = append(listings, l)
		}
		if resp.Next == "" || len(resp.ItemSummaries) < c.cfg.PageSize {
			break
		}
	}

	c.logger.DebugContext(ctx, "listings fetched",
		slog.String("item_key", item.Key),
		slog.Int("count", len(listings)),
	)
	return listings, nil
}

// searchPage performs one search call, re-authenticating once if the cached
// token was rejected.
func (c *BrowseClient) searchPage(ctx context.Context, item domain.TrackedItem, offset int) (*searchResponse, error) {
	body, err := c.get(ctx, c.searchURL(item, offset))
	if errors.Is(err, domain.ErrUnauthorized) {
		c.tokens.Invalidate()
		body, err = c.get(ctx, c.searchURL(item, offset))
	}
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search: %w: %v", domain.ErrMalformedResponse, err)
	}
	return &resp, nil
}

func (c *BrowseClient) get(ctx context.Context, fullURL string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if c.cfg.MarketplaceID != "" {
		req.Header.Set("X-EBAY-C-MARKETPLACE-ID", c.cfg.MarketplaceID)
	}
	if ctxHeader := c.endUserContext(); ctxHeader != "" {
		req.Header.Set("X-EBAY-C-ENDUSERCTX", ctxHeader)
	}
	return c.tr.do(ctx, req)
}

// searchURL builds the search request for one page.
func (c *BrowseClient) searchURL(item domain.TrackedItem, offset int) string {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(c.cfg.QueryPrefix+" "+item.Query))
	if c.cfg.CategoryID != "" {
		params.Set("category_ids", c.cfg.CategoryID)
	}

	filters := []string{"buyingOptions:{FIXED_PRICE}"}
	if item.PriceCeiling.IsPositive() {
		filters = append(filters, "price:[.."+item.PriceCeiling.StringFixed(2)+"]")
		if c.cfg.Currency != "" {
			filters = append(filters, "priceCurrency:"+c.cfg.Currency)
		}
	}
	params.Set("filter", strings.Join(filters, ","))

	if aspects := c.aspectFilter(item); aspects != "" {
		params.Set("aspect_filter", aspects)
	}
	params.Set("sort", "price")
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("offset", strconv.Itoa(offset))

	return c.cfg.BaseURL + searchPath + "?" + params.Encode()
}

func (c *BrowseClient) aspectFilter(item domain.TrackedItem) string {
	if c.cfg.CategoryID == "" {
		return ""
	}
	var parts []string
	if item.Language != "" {
		parts = append(parts, "Language:{"+item.Language+"}")
	}
	if c.cfg.RequireGraded {
		parts = append(parts, "Graded:{Yes}", "Grade:{10}")
		if c.cfg.Grader != "" {
			parts = append(parts, "Professional Grader:{"+c.cfg.Grader+"}")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "categoryId:" + c.cfg.CategoryID + "," + strings.Join(parts, ",")
}

func (c *BrowseClient) endUserContext() string {
	if c.cfg.DestinationCountry == "" {
		return ""
	}
	v := "contextualLocation=country=" + c.cfg.DestinationCountry
	if c.cfg.DestinationPostcode != "" {
		v += ",zip=" + c.cfg.DestinationPostcode
	}
	return v
}

// toListing converts a search summary. Missing prices are passed through as
// zero so the evaluator can count them as malformed.
func (c *BrowseClient) toListing(item domain.TrackedItem, s itemSummary, observedAt time.Time) domain.Listing {
	l := domain.Listing{
		ListingID:  s.ItemID,
		ItemKey:    item.Key,
		Currency:   c.cfg.Currency,
		Title:      s.Title,
		URL:        s.ItemWebURL,
		ImageURL:   s.Image.ImageURL,
		Seller:     s.Seller.Username,
		ObservedAt: observedAt,
	}
	if s.Price != nil {
		l.Price = s.Price.Value
		if s.Price.Currency != "" {
			l.Currency = s.Price.Currency
		}
	}
	if len(s.ShippingOptions) > 0 && s.ShippingOptions[0].ShippingCost != nil {
		l.Shipping = s.ShippingOptions[0].ShippingCost.Value
	}
	return l
}

var _ domain.ListingFetcher = (*BrowseClient)(nil)
