package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// DispatchError is the interface for all structured errors in llmdispatch.
// It extends the standard error interface with the context a caller needs
// to decide between retrying, falling back, or giving up for this tick.
type DispatchError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Provider returns the provider that produced the error, if any.
	Provider() string

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of DispatchError.
type Error struct {
	code       ErrorCode
	category   ErrorCategory
	message    string
	cause      error
	metadata   map[string]string
	retryable  *bool // nil means use default based on category
	timestamp  time.Time
	provider   string
	tenantID   string
	attempt    int
	retryAfter time.Duration
}

var (
	_ DispatchError    = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Provider returns the provider name, if set.
func (e *Error) Provider() string {
	return e.provider
}

// TenantID returns the tenant (session) the failed request belonged to.
func (e *Error) TenantID() string {
	return e.tenantID
}

// Attempt returns the zero-based attempt number that produced the error.
func (e *Error) Attempt() int {
	return e.attempt
}

// RetryAfter returns the suggested wait before retrying, or zero.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code         ErrorCode         `json:"code"`
	Category     ErrorCategory     `json:"category"`
	Message      string            `json:"message"`
	Cause        string            `json:"cause,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Retryable    bool              `json:"retryable"`
	Timestamp    string            `json:"timestamp,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	RetryAfterMs int64             `json:"retry_after_ms,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:         e.code,
		Category:     e.category,
		Message:      e.message,
		Metadata:     e.metadata,
		Retryable:    e.Retryable(),
		Provider:     e.provider,
		TenantID:     e.tenantID,
		Attempt:      e.attempt,
		RetryAfterMs: e.retryAfter.Milliseconds(),
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.provider = j.Provider
	e.tenantID = j.TenantID
	e.attempt = j.Attempt
	e.retryAfter = time.Duration(j.RetryAfterMs) * time.Millisecond
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithProvider sets the provider that produced the error.
func WithProvider(name string) Option {
	return func(e *Error) {
		e.provider = name
	}
}

// WithTenant sets the tenant the request belonged to.
func WithTenant(id string) Option {
	return func(e *Error) {
		e.tenantID = id
	}
}

// WithAttempt sets the attempt number.
func WithAttempt(n int) Option {
	return func(e *Error) {
		e.attempt = n
	}
}

// WithRetryAfter sets the suggested wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) {
		e.retryAfter = d
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// RateLimited creates a provider rate limit error.
func RateLimited(provider string, retryAfter time.Duration, cause error, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider), WithRetryAfter(retryAfter), WithCause(cause)}, opts...)
	return New(ErrCodeRateLimit, fmt.Sprintf("provider %s rate limited", provider), opts...)
}

// ClientThrottled creates an error for a request denied by the client-side limiter.
func ClientThrottled(key string, wait time.Duration, opts ...Option) *Error {
	opts = append([]Option{WithRetryAfter(wait), WithMetadata("key", key)}, opts...)
	return New(ErrCodeClientThrottled, fmt.Sprintf("client rate limit exceeded for %s", key), opts...)
}

// RequestExpired creates an error for a request that waited too long in a queue.
func RequestExpired(provider string, age, maxAge time.Duration, opts ...Option) *Error {
	opts = append([]Option{
		WithProvider(provider),
		WithMetadata("age_ms", fmt.Sprintf("%d", age.Milliseconds())),
		WithMetadata("max_age_ms", fmt.Sprintf("%d", maxAge.Milliseconds())),
	}, opts...)
	return New(ErrCodeRequestExpired,
		fmt.Sprintf("request to %s expired after %s in queue (max %s)", provider, age, maxAge), opts...)
}

// ProviderExhausted creates an error for a request that failed on the primary,
// its whole fallback chain, and every retry.
func ProviderExhausted(provider string, retries int, last error, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider), WithCause(last), WithAttempt(retries)}, opts...)
	return New(ErrCodeProviderExhausted,
		fmt.Sprintf("all providers exhausted after %d retries", retries), opts...)
}

// NoProviders creates the aggregate error raised when every wrapped provider failed.
func NoProviders(last error, opts ...Option) *Error {
	opts = append([]Option{WithCause(last)}, opts...)
	return New(ErrCodeNoProviders, "all providers failed", opts...)
}

// UnknownProvider creates an error for a provider name with no configured queue.
func UnknownProvider(name string, opts ...Option) *Error {
	opts = append([]Option{WithProvider(name)}, opts...)
	return New(ErrCodeUnknownProvider, fmt.Sprintf("unknown provider %q", name), opts...)
}

// Passthrough wraps a transport failure this layer does not handle.
func Passthrough(provider string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider), WithCause(cause)}, opts...)
	return New(ErrCodeProviderFailed, fmt.Sprintf("provider %s request failed", provider), opts...)
}

// Canceled creates an error for a caller whose context ended while queued.
func Canceled(provider string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider), WithCause(cause)}, opts...)
	return New(ErrCodeCanceled, fmt.Sprintf("request to %s canceled", provider), opts...)
}

// Closed creates an error for a request rejected because its queue shut down.
func Closed(provider string, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider)}, opts...)
	return New(ErrCodeClosed, fmt.Sprintf("queue %s closed", provider), opts...)
}

// InvalidConfig creates a configuration error.
func InvalidConfig(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidConfig, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
