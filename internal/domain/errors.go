package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAPIKey       = errors.New("invalid API key")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrRunNotFound         = errors.New("generation run not found")
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrInvalidSnapshot     = errors.New("invalid provider snapshot")

	ErrProviderUnavailable = errors.New("no provider available")
	ErrNetwork             = errors.New("provider network error")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrTruncated           = errors.New("output truncated")
	ErrMalformed           = errors.New("malformed output")
	ErrSchemaMismatch      = errors.New("output does not match schema")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrCancelled           = errors.New("generation cancelled")
)

type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindNetwork             ErrorKind = "network_error"
	KindRateLimited         ErrorKind = "rate_limited"
	KindTruncated           ErrorKind = "truncated"
	KindMalformed           ErrorKind = "malformed"
	KindSchemaMismatch      ErrorKind = "schema_mismatch"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ErrCancelled, KindCancelled},
	{ErrInsufficientCredits, KindInsufficientCredits},
	{ErrProviderUnavailable, KindProviderUnavailable},
	{ErrRateLimited, KindRateLimited},
	{ErrTruncated, KindTruncated},
	{ErrSchemaMismatch, KindSchemaMismatch},
	{ErrMalformed, KindMalformed},
	{ErrNetwork, KindNetwork},
}

// KindOf maps an error chain onto the taxonomy. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// Sentinel returns the sentinel error for a kind.
func (k ErrorKind) Sentinel() error {
	for _, s := range kindSentinels {
		if s.kind == k {
			return s.err
		}
	}
	return nil
}

// ProviderError is what drivers return for failed calls. It matches both its
// kind sentinel and the underlying cause with errors.Is.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if s := e.Kind.Sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

func NewProviderError(provider string, kind ErrorKind, status int, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: status, Err: err}
}

// ClassifyStatus maps an HTTP status to a failure kind. 429 is rate limiting,
// everything else a caller can't fix by reformatting is treated as network.
func ClassifyStatus(status int) ErrorKind {
	if status == 429 {
		return KindRateLimited
	}
	return KindNetwork
}
