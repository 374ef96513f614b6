package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUpstream          = errors.New("upstream unavailable")
	ErrMalformedResponse = errors.New("malformed response")
	ErrInvalidItem       = errors.New("invalid tracked item")
	ErrLockHeld          = errors.New("lock already held")
	ErrScanInProgress    = errors.New("scan already in progress")
)

// FetchError is returned by a ListingFetcher when the marketplace search
// for an item fails.
type FetchError struct {
	ItemKey   string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch listings for %s: %v", e.ItemKey, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ResolveError is returned by a BenchmarkResolver on transport or auth
// failure. A missing benchmark is not an error.
type ResolveError struct {
	ItemKey   string
	Retryable bool
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve benchmark for %s: %v", e.ItemKey, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient adapter failure worth
// another attempt.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstream)
}

// IsPermanent reports whether err invalidates the whole pass, such as
// revoked credentials.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
