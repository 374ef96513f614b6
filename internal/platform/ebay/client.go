// Package ebay implements the listing fetcher and benchmark resolver against
// the eBay Browse, Merchandising and Finding APIs.
package ebay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	defaultAPIBaseURL       = "https://api.ebay.com"
	defaultAuthURL          = "https://api.ebay.com/identity/v1/oauth2/token"
	defaultMerchandisingURL = "https://svcs.ebay.com/MerchandisingService"
	defaultTimeout          = 30 * time.Second

	// rateLimitKey is shared by every outbound call so the distributed
	// limiter covers the whole application quota.
	rateLimitKey = "ebay:api"
)

// httpStatusError carries a non-2xx response so callers can classify it.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// transport is the HTTP plumbing shared by the Browse, Merchandising and
// OAuth clients.
type transport struct {
	httpClient *http.Client
	limiter    domain.RateLimiter
}

func newTransport(httpClient *http.Client, limiter domain.RateLimiter) transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return transport{httpClient: httpClient, limiter: limiter}
}

// do sends req and returns the body of a successful response.
func (t transport) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, rateLimitKey); err != nil {
			return nil, fmt.Errorf("wait rate limit: %w", err)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrUpstream, err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps HTTP status codes to domain errors.
func checkHTTPStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	se := &httpStatusError{Code: code, Body: truncate(string(body), 256)}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, se)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, se)
	case code >= 500:
		return fmt.Errorf("%w: %v", domain.ErrUpstream, se)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, se)
	default:
		return se
	}
}

// retryable classifies an error returned by transport.do.
func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return false
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstream):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
