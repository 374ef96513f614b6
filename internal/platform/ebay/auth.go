package ebay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	oauthScope = "https://api.ebay.com/oauth/api_scope"

	// tokenRefreshMargin renews the application token this long before
	// eBay says it expires.
	tokenRefreshMargin = 5 * time.Minute
)

// TokenSource obtains and caches an application access token using the
// OAuth client-credentials grant. It is safe for concurrent use.
type TokenSource struct {
	authURL string
	appID   string
	certID  string
	tr      transport
	now     func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a TokenSource. An empty authURL selects the
// production endpoint.
func NewTokenSource(authURL, appID, certID string, httpClient *http.Client, limiter domain.RateLimiter) *TokenSource {
	if authURL == "" {
		authURL = defaultAuthURL
	}
	return &TokenSource{
		authURL: authURL,
		appID:   appID,
		certID:  certID,
		tr:      newTransport(httpClient, limiter),
		now:     time.Now,
	}
}

// Token returns a cached token, fetching a new one when none is held or the
// held one is within the refresh margin of expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiresAt.Add(-tokenRefreshMargin)) {
		return ts.token, nil
	}

	tok, ttl, err := ts.fetch(ctx)
	if err != nil {
		return "", err
	}
	ts.token = tok
	ts.expiresAt = ts.now().Add(ttl)
	return ts.token, nil
}

// Invalidate drops the cached token so the next call re-authenticates.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", oauthScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("ebay/auth: create request: %w", err)
	}
	creds := base64.StdEncoding.EncodeToString([]byte(ts.appID + ":" + ts.certID))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := ts.tr.do(ctx, req)
	if err != nil {
		return "", 0, fmt.Errorf("ebay/auth: request token: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("ebay/auth: decode token: %w: %v", domain.ErrMalformedResponse, err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("ebay/auth: empty access token: %w", domain.ErrMalformedResponse)
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}
