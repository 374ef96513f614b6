package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable fetch", &FetchError{ItemKey: "a", Retryable: true, Err: ErrRateLimited}, true},
		{"non-retryable fetch", &FetchError{ItemKey: "a", Err: ErrMalformedResponse}, false},
		{"auth fetch", &FetchError{ItemKey: "a", Retryable: true, Err: ErrUnauthorized}, false},
		{"retryable resolve", &ResolveError{ItemKey: "a", Retryable: true, Err: ErrUpstream}, true},
		{"wrapped sentinel", fmt.Errorf("call: %w", ErrRateLimited), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("pass: %w", &FetchError{ItemKey: "a", Err: ErrUnauthorized})
	if !IsPermanent(err) {
		t.Error("expected permanent")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.ItemKey != "a" {
		t.Errorf("errors.As failed: %v", err)
	}
}
