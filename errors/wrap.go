package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a dispatch Error, the wrapper keeps its code and context.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		wrapped := &Error{
			code:       de.code,
			category:   de.category,
			message:    message,
			cause:      err,
			metadata:   de.Metadata(),
			retryable:  de.retryable,
			timestamp:  de.timestamp,
			provider:   de.provider,
			tenantID:   de.tenantID,
			attempt:    de.attempt,
			retryAfter: de.retryAfter,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// AsError extracts a dispatch Error from an error chain.
// Returns nil if none is found.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if de, ok := err.(*Error); ok && de.code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRateLimited reports whether the chain carries a provider rate limit.
func IsRateLimited(err error) bool {
	return Is(err, ErrCodeRateLimit)
}

// IsTerminal reports whether the outermost dispatch error is terminal for this tick.
func IsTerminal(err error) bool {
	if de := AsError(err); de != nil {
		return de.code.IsTerminal()
	}
	return false
}

// IsCategory checks if the outermost dispatch error has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if de := AsError(err); de != nil {
		return de.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	if de := AsError(err); de != nil {
		return de.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err carries no dispatch Error.
func Code(err error) ErrorCode {
	if de := AsError(err); de != nil {
		return de.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}
