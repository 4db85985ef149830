package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed classification for every error surfaced by the
// coordinator. Components check kinds at propagation boundaries instead of
// matching on strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindInvalidInput - the brief or request violates constraints; never retried.
	KindInvalidInput
	// KindAuthentication - missing or invalid credentials; fatal per-request.
	KindAuthentication
	// KindAuthorization - credentials lack access; fatal per-request.
	KindAuthorization
	// KindRateLimited - provider returned 429 or the local limiter refused; retryable.
	KindRateLimited
	// KindTimeout - the total deadline elapsed; fatal for that call.
	KindTimeout
	// KindNetwork - transient I/O failure; retryable.
	KindNetwork
	// KindUpstream - provider 5xx; retryable.
	KindUpstream
	// KindParseInvalid - malformed provider response; one corrective retry.
	KindParseInvalid
	// KindBreakerOpen - refused locally by the circuit breaker; not retried.
	KindBreakerOpen
	// KindCancelled - caller cancelled; never retried.
	KindCancelled
	// KindCleanup - coordinator shutdown rejected the request; never retried.
	KindCleanup
	// KindValidationFailed - persona draft failed domain validation; one corrective retry.
	KindValidationFailed
)

// String returns the string representation of the kind
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindUpstream:
		return "upstream_5xx"
	case KindParseInvalid:
		return "parse_invalid"
	case KindBreakerOpen:
		return "breaker_open"
	case KindCancelled:
		return "cancelled"
	case KindCleanup:
		return "cleanup"
	case KindValidationFailed:
		return "validation_failed"
	default:
		return "unknown"
	}
}

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrTimeout            = errors.New("operation timeout")
	ErrCancelled          = errors.New("request cancelled")
	ErrCleanup            = errors.New("coordinator cleanup in progress")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCacheMiss          = errors.New("cache miss")
	ErrMissingCredentials = errors.New("missing required credentials")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// CoordinatorError is the structured error surfaced to callers. It carries
// the classification plus enough context for the remediation hint to be
// actionable without the caller inspecting provider internals.
type CoordinatorError struct {
	Kind           ErrorKind
	Op             string        // operation that failed (e.g. "taste.GetInsights")
	Provider       string        // provider name, if any
	StatusCode     int           // original provider status code, if any
	Attempts       int           // producer invocations consumed
	CumulativeWait time.Duration // total time spent in backoff and limiter waits
	RetryAfter     time.Duration // provider-supplied floor for the next delay
	Hint           string        // short remediation hint
	Err            error         // underlying error for wrapping
}

// Error returns the string representation of the error
func (e *CoordinatorError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CoordinatorError) Unwrap() error {
	return e.Err
}

// NewError creates a CoordinatorError with a kind and operation context.
func NewError(kind ErrorKind, op string, err error) *CoordinatorError {
	return &CoordinatorError{Kind: kind, Op: op, Err: err, Hint: defaultHint(kind)}
}

func defaultHint(kind ErrorKind) string {
	switch kind {
	case KindAuthentication, KindAuthorization:
		return "check provider credentials"
	case KindRateLimited:
		return "reduce request rate or raise the provider quota"
	case KindTimeout:
		return "increase the request timeout or reduce load"
	case KindNetwork, KindUpstream:
		return "transient provider issue; retried automatically"
	case KindParseInvalid:
		return "provider returned a malformed response"
	case KindBreakerOpen:
		return "provider is failing; wait for the breaker cooldown"
	case KindValidationFailed:
		return "generated persona did not meet the validation threshold"
	default:
		return ""
	}
}

// Kind extracts the classification from any error in the chain. Errors
// without a CoordinatorError in the chain map to KindUnknown, except for the
// sentinels, which classify themselves.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindBreakerOpen
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrCleanup):
		return KindCleanup
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// IsRetryable checks if an error may be consumed by the retry engine.
// Retryable errors are rate limits, network failures, timeouts of a single
// attempt, and provider 5xx responses.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindRateLimited, KindNetwork, KindUpstream:
		return true
	default:
		return false
	}
}

// IsRateLimited checks if an error is a rate-limit response
func IsRateLimited(err error) bool {
	return Kind(err) == KindRateLimited
}

// IsAuthError checks if an error is credential-related
func IsAuthError(err error) bool {
	k := Kind(err)
	return k == KindAuthentication || k == KindAuthorization
}

// IsCancellation checks if an error comes from the caller giving up
func IsCancellation(err error) bool {
	k := Kind(err)
	return k == KindCancelled || k == KindCleanup
}

// KindFromStatus maps an HTTP status class to the error taxonomy.
// 2xx never reaches this function; 408 and 429 are the only retryable 4xx.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthentication
	case status == 403:
		return KindAuthorization
	case status == 408:
		// Request timeout on a single attempt is transient, unlike the
		// total-deadline KindTimeout.
		return KindNetwork
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUpstream
	case status >= 400:
		return KindInvalidInput
	default:
		return KindUnknown
	}
}
