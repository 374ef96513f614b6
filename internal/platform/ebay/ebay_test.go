package ebay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testItem() domain.TrackedItem {
	return domain.TrackedItem{
		Key:          "charizard",
		Query:        "charizard base set",
		PriceCeiling: decimal.RequireFromString("3000"),
		BenchmarkKey: "charizard base set holo",
		Language:     "English",
	}
}

// fakeEbay serves the token, search and most-watched endpoints.
type fakeEbay struct {
	tokenCalls  atomic.Int32
	searchCalls atomic.Int32
	search      func(w http.ResponseWriter, r *http.Request)
	merch       func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeEbay) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "app" || pass != "cert" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":7200,"token_type":"Application Access Token"}`, n)
	})
	mux.HandleFunc(searchPath, func(w http.ResponseWriter, r *http.Request) {
		f.searchCalls.Add(1)
		f.search(w, r)
	})
	mux.HandleFunc("/MerchandisingService", func(w http.ResponseWriter, r *http.Request) {
		f.merch(w, r)
	})
	return mux
}

func newFixture(t *testing.T, f *fakeEbay) (*httptest.Server, *TokenSource) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	ts := NewTokenSource(srv.URL+"/identity/v1/oauth2/token", "app", "cert", srv.Client(), nil)
	return srv, ts
}

func TestTokenSourceCachesUntilRefreshMargin(t *testing.T) {
	f := &fakeEbay{}
	_, ts := newFixture(t, f)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }

	ctx := context.Background()
	tok1, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, _ := ts.Token(ctx)
	if tok1 != tok2 || f.tokenCalls.Load() != 1 {
		t.Fatalf("expected cached token, got %q/%q after %d calls", tok1, tok2, f.tokenCalls.Load())
	}

	// 7200s lifetime, refreshed 5 minutes early.
	now = now.Add(2*time.Hour - 4*time.Minute)
	tok3, _ := ts.Token(ctx)
	if tok3 == tok1 || f.tokenCalls.Load() != 2 {
		t.Fatalf("expected refresh inside margin, got %q after %d calls", tok3, f.tokenCalls.Load())
	}
}

func TestTokenSourceBadCredentialsIsUnauthorized(t *testing.T) {
	f := &fakeEbay{}
	srv, _ := newFixture(t, f)
	ts := NewTokenSource(srv.URL+"/identity/v1/oauth2/token", "app", "wrong", srv.Client(), nil)

	_, err := ts.Token(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestBrowseFetchBuildsQueryAndParses(t *testing.T) {
	f := &fakeEbay{}
	f.search = func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer tok-") {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("X-EBAY-C-MARKETPLACE-ID"); got != "EBAY_AU" {
			t.Errorf("marketplace = %q", got)
		}
		if got := r.Header.Get("X-EBAY-C-ENDUSERCTX"); got != "contextualLocation=country=AU,zip=2176" {
			t.Errorf("enduserctx = %q", got)
		}
		q := r.URL.Query()
		if q.Get("q") != "psa 10 charizard base set" {
			t.Errorf("q = %q", q.Get("q"))
		}
		if q.Get("filter") != "buyingOptions:{FIXED_PRICE},price:[..3000.00],priceCurrency:AUD" {
			t.Errorf("filter = %q", q.Get("filter"))
		}
		if !strings.Contains(q.Get("aspect_filter"), "Language:{English}") ||
			!strings.Contains(q.Get("aspect_filter"), "Grade:{10}") {
			t.Errorf("aspect_filter = %q", q.Get("aspect_filter"))
		}
		fmt.Fprint(w, `{"total":2,"itemSummaries":[
			{"itemId":"v1|1|0","title":"Charizard PSA 10","price":{"value":"800.00","currency":"AUD"},
			 "shippingOptions":[{"shippingCost":{"value":"12.50","currency":"AUD"}}],
			 "seller":{"username":"cards4u"},"itemWebUrl":"https://ebay/1","image":{"imageUrl":"https://img/1"}},
			{"itemId":"v1|2|0","title":"No price"},
			{"itemId":"v1|3|0","title":"Repriced","price":{"value":"3500.00","currency":"AUD"}}
		]}`)
	}
	srv, ts := newFixture(t, f)

	c := NewBrowseClient(BrowseConfig{
		BaseURL:             srv.URL,
		MarketplaceID:       "EBAY_AU",
		Currency:            "AUD",
		CategoryID:          "183454",
		QueryPrefix:         "psa 10",
		DestinationCountry:  "AU",
		DestinationPostcode: "2176",
		RequireGraded:       true,
		PageSize:            50,
		MaxPages:            3,
	}, ts, srv.Client(), nil, quiet)

	got, err := c.Fetch(context.Background(), testItem())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(got))
	}
	if f.searchCalls.Load() != 1 {
		t.Fatalf("expected a single page, got %d calls", f.searchCalls.Load())
	}
	l := got[0]
	if l.ListingID != "v1|1|0" || l.ItemKey != "charizard" || l.Seller != "cards4u" {
		t.Fatalf("unexpected listing %+v", l)
	}
	if !l.Price.Equal(decimal.RequireFromString("800")) || !l.Shipping.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("price/shipping = %s/%s", l.Price, l.Shipping)
	}
	if !got[1].Price.IsZero() {
		t.Fatalf("missing price should pass through as zero, got %s", got[1].Price)
	}
}

func TestBrowseFetchRejectsInvalidItemWithoutCalling(t *testing.T) {
	f := &fakeEbay{}
	f.search = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"itemSummaries":[]}`)
	}
	srv, ts := newFixture(t, f)
	c := NewBrowseClient(BrowseConfig{BaseURL: srv.URL}, ts, srv.Client(), nil, quiet)

	bad := testItem()
	bad.PriceCeiling = decimal.Zero
	_, err := c.Fetch(context.Background(), bad)
	if !errors.Is(err, domain.ErrInvalidItem) || domain.IsRetryable(err) {
		t.Fatalf("expected non-retryable ErrInvalidItem, got %v", err)
	}
	if f.searchCalls.Load() != 0 || f.tokenCalls.Load() != 0 {
		t.Fatalf("expected no upstream calls, got search=%d token=%d", f.searchCalls.Load(), f.tokenCalls.Load())
	}
}

func TestBrowseFetchPages(t *testing.T) {
	f := &fakeEbay{}
	f.search = func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		switch offset {
		case "0":
			fmt.Fprint(w, `{"next":"more","itemSummaries":[{"itemId":"a","price":{"value":"1"}},{"itemId":"b","price":{"value":"2"}}]}`)
		case "2":
			fmt.Fprint(w, `{"itemSummaries":[{"itemId":"c","price":{"value":"3"}}]}`)
		default:
			t.Errorf("unexpected offset %s", offset)
		}
	}
	srv, ts := newFixture(t, f)
	c := NewBrowseClient(BrowseConfig{BaseURL: srv.URL, PageSize: 2, MaxPages: 5}, ts, srv.Client(), nil, quiet)

	got, err := c.Fetch(context.Background(), testItem())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 3 || f.searchCalls.Load() != 2 {
		t.Fatalf("got %d listings over %d calls", len(got), f.searchCalls.Load())
	}
}

func TestBrowseFetchClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		sentinel  error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, true, domain.ErrRateLimited},
		{"server error", http.StatusBadGateway, `{}`, true, domain.ErrUpstream},
		{"forbidden", http.StatusForbidden, `{}`, false, domain.ErrUnauthorized},
		{"bad request", http.StatusBadRequest, `{}`, false, nil},
		{"malformed", http.StatusOK, `{"itemSummaries":`, false, domain.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEbay{}
			f.search = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}
			srv, ts := newFixture(t, f)
			c := NewBrowseClient(BrowseConfig{BaseURL: srv.URL}, ts, srv.Client(), nil, quiet)

			_, err := c.Fetch(context.Background(), testItem())
			var fe *domain.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fe.ItemKey != "charizard" || fe.Retryable != tt.retryable {
				t.Fatalf("unexpected error %+v", fe)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v in chain, got %v", tt.sentinel, err)
			}
			if domain.IsRetryable(err) != tt.retryable {
				t.Fatalf("IsRetryable = %v", domain.IsRetryable(err))
			}
		})
	}
}

func TestBrowseReauthenticatesOnceAfterRejectedToken(t *testing.T) {
	f := &fakeEbay{}
	f.search = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"itemSummaries":[]}`)
	}
	srv, ts := newFixture(t, f)
	c := NewBrowseClient(BrowseConfig{BaseURL: srv.URL}, ts, srv.Client(), nil, quiet)

	if _, err := c.Fetch(context.Background(), testItem()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if f.tokenCalls.Load() != 2 {
		t.Fatalf("expected re-authentication, got %d token calls", f.tokenCalls.Load())
	}
}

type countingLimiter struct{ waits atomic.Int32 }

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits.Add(1)
	return nil
}

func TestMerchandisingResolve(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		ok    bool
		value string
	}{
		{
			name: "average of samples",
			body: `{"getMostWatchedItemsResponse":{"ack":"Success","itemRecommendations":{"item":[
				{"itemId":"1","buyItNowPrice":{"@currencyId":"AUD","__value__":"1000.0"}},
				{"itemId":"2","currentPrice":{"@currencyId":"AUD","__value__":"1100.0"}},
				{"itemId":"3","buyItNowPrice":{"@currencyId":"AUD","__value__":"0.0"},"currentPrice":{"__value__":"900"}}
			]}}}`,
			ok:    true,
			value: "1000",
		},
		{
			name:  "single object",
			body:  `{"getMostWatchedItemsResponse":{"ack":"Success","itemRecommendations":{"item":{"itemId":"1","buyItNowPrice":{"__value__":"450.00"}}}}}`,
			ok:    true,
			value: "450",
		},
		{
			name: "no items",
			body: `{"getMostWatchedItemsResponse":{"ack":"Success","itemRecommendations":{}}}`,
		},
		{
			name: "above ceiling",
			body: `{"getMostWatchedItemsResponse":{"ack":"Success","itemRecommendations":{"item":[{"buyItNowPrice":{"__value__":"3000"}}]}}}`,
		},
		{
			name: "below floor",
			body: `{"getMostWatchedItemsResponse":{"ack":"Success","itemRecommendations":{"item":[{"buyItNowPrice":{"__value__":"12"}}]}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEbay{}
			f.merch = func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("OPERATION-NAME") != "getMostWatchedItems" || q.Get("CONSUMER-ID") != "app" {
					t.Errorf("unexpected query %v", q)
				}
				if q.Get("keywords") != "psa 10 charizard base set holo" {
					t.Errorf("keywords = %q", q.Get("keywords"))
				}
				fmt.Fprint(w, tt.body)
			}
			srv, _ := newFixture(t, f)
			lim := &countingLimiter{}
			c := NewMerchandisingClient(MerchandisingConfig{
				URL:         srv.URL + "/MerchandisingService",
				AppID:       "app",
				QueryPrefix: "psa 10",
				PriceFloor:  decimal.NewFromInt(30),
			}, srv.Client(), lim, quiet)

			b, ok, err := c.Resolve(context.Background(), testItem())
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !b.Value.Equal(decimal.RequireFromString(tt.value)) {
				t.Fatalf("value = %s, want %s", b.Value, tt.value)
			}
			if lim.waits.Load() != 1 {
				t.Fatalf("expected limiter to be awaited once, got %d", lim.waits.Load())
			}
		})
	}
}

func TestMerchandisingFailureIsResolveError(t *testing.T) {
	f := &fakeEbay{}
	f.merch = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	srv, _ := newFixture(t, f)
	c := NewMerchandisingClient(MerchandisingConfig{URL: srv.URL + "/MerchandisingService"}, srv.Client(), nil, quiet)

	_, ok, err := c.Resolve(context.Background(), testItem())
	var re *domain.ResolveError
	if ok || !errors.As(err, &re) || !re.Retryable {
		t.Fatalf("expected retryable ResolveError, got ok=%v err=%v", ok, err)
	}
}
