package errors

import "net/http"

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: caller canceled while queued, dispatcher shutting down.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown provider, request expired in the queue, invalid config.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates throttling or exhausted capacity.
	// Examples: provider 429, client-side token bucket denial, all providers exhausted.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or transport failures
	// this layer does not interpret.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes produced by the dispatcher.
const (
	// Resource errors
	ErrCodeRateLimit         ErrorCode = "RATE_LIMITED"       // Provider signaled throttling
	ErrCodeClientThrottled   ErrorCode = "CLIENT_THROTTLED"   // Client-side token bucket denied the request
	ErrCodeProviderExhausted ErrorCode = "PROVIDER_EXHAUSTED" // Primary, fallback chain and retries all failed
	ErrCodeNoProviders       ErrorCode = "NO_PROVIDERS"       // Every wrapped provider failed or is disabled

	// Permanent errors
	ErrCodeRequestExpired  ErrorCode = "REQUEST_EXPIRED"  // Queued longer than the max request age
	ErrCodeUnknownProvider ErrorCode = "UNKNOWN_PROVIDER" // No queue configured for the provider name
	ErrCodeInvalidConfig   ErrorCode = "INVALID_CONFIG"   // Configuration rejected at construction
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"    // Malformed caller input

	// Transient errors
	ErrCodeCanceled ErrorCode = "CANCELED" // Caller context ended before resolution
	ErrCodeClosed   ErrorCode = "CLOSED"   // Dispatcher or queue was shut down

	// Internal errors
	ErrCodeProviderFailed ErrorCode = "PROVIDER_FAILED" // Transport error passed through unchanged
	ErrCodeInternal       ErrorCode = "INTERNAL"        // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeRateLimit, ErrCodeClientThrottled, ErrCodeProviderExhausted, ErrCodeNoProviders:
		return CategoryResource
	case ErrCodeRequestExpired, ErrCodeUnknownProvider, ErrCodeInvalidConfig, ErrCodeInvalidInput:
		return CategoryPermanent
	case ErrCodeCanceled, ErrCodeClosed:
		return CategoryTransient
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// IsTerminal reports whether a caller should stop trying for this tick.
// Expired and exhausted requests mean "no decision available"; the caller
// falls back to default behavior instead of resubmitting immediately.
func (c ErrorCode) IsTerminal() bool {
	switch c {
	case ErrCodeRequestExpired, ErrCodeProviderExhausted, ErrCodeNoProviders,
		ErrCodeUnknownProvider, ErrCodeInvalidConfig, ErrCodeInvalidInput:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the code to the status the HTTP API responds with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeRateLimit, ErrCodeClientThrottled:
		return http.StatusTooManyRequests
	case ErrCodeRequestExpired:
		return http.StatusGatewayTimeout
	case ErrCodeProviderExhausted, ErrCodeNoProviders, ErrCodeClosed:
		return http.StatusServiceUnavailable
	case ErrCodeUnknownProvider:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeCanceled:
		return 499
	case ErrCodeProviderFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeRateLimit:         "provider rate limit exceeded",
	ErrCodeClientThrottled:   "client-side rate limit exceeded",
	ErrCodeProviderExhausted: "all providers exhausted",
	ErrCodeNoProviders:       "no provider available",
	ErrCodeRequestExpired:    "request expired before dispatch",
	ErrCodeUnknownProvider:   "unknown provider",
	ErrCodeInvalidConfig:     "invalid configuration",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeCanceled:          "request canceled",
	ErrCodeClosed:            "dispatcher closed",
	ErrCodeProviderFailed:    "provider request failed",
	ErrCodeInternal:          "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
