package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter is used when a rate-limited error carries no usable hint.
const DefaultRetryAfter = time.Second

// epochThreshold separates absolute Unix timestamps from relative seconds
// in reset headers. 1e9 seconds is September 2001.
const epochThreshold = 1e9

// Common errors.
var (
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidRate     = errors.New("invalid refill rate")
)

// Interfaces a transport error may implement so the dispatcher can classify
// it without knowing the concrete type.
type (
	statusCoder interface {
		HTTPStatus() int
	}
	errorCoder interface {
		ErrorCode() string
	}
	headerCarrier interface {
		ResponseHeader() http.Header
	}
)

// rateLimitCodes are machine-readable codes providers use for throttling.
var rateLimitCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"rate_limit_error":    true,
	"rate_limited":        true,
	"too_many_requests":   true,
	"resource_exhausted":  true,
	"tokens_exceeded":     true,
	"requests_exceeded":   true,
}

// rateLimitPhrases are matched case-insensitively against error messages.
var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
}

// Info describes a classified rate limit.
type Info struct {
	// Status is the HTTP status reported by the provider, if known.
	Status int

	// Code is the provider's error code, if any.
	Code string

	// RetryAfter is how long to back off before retrying.
	RetryAfter time.Duration

	// Source names where RetryAfter came from ("default" if no hint was found).
	Source string
}

// IsRateLimit reports whether err signals provider throttling.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests {
		return true
	}

	var ec errorCoder
	if errors.As(err, &ec) && rateLimitCodes[strings.ToLower(ec.ErrorCode())] {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Detect classifies err. It returns false if err is not a rate limit.
// When it is, the returned Info carries the retry-after derived from the
// error's response headers, or DefaultRetryAfter.
func Detect(err error, now time.Time) (Info, bool) {
	if !IsRateLimit(err) {
		return Info{}, false
	}

	info := Info{RetryAfter: DefaultRetryAfter, Source: "default"}

	var sc statusCoder
	if errors.As(err, &sc) {
		info.Status = sc.HTTPStatus()
	}
	var ec errorCoder
	if errors.As(err, &ec) {
		info.Code = ec.ErrorCode()
	}
	var hc headerCarrier
	if errors.As(err, &hc) {
		if d, src, ok := retryAfter(hc.ResponseHeader(), now); ok {
			info.RetryAfter = d
			info.Source = src
		}
	}
	return info, true
}

// RetryAfter extracts a back-off duration from rate limit response headers.
//
// Supported, in order of preference:
//   - retry-after-ms: milliseconds
//   - Retry-After: seconds (integer or fractional) or an HTTP-date
//   - x-ratelimit-reset, x-ratelimit-reset-requests, x-ratelimit-reset-tokens:
//     Unix epoch seconds (integer or fractional), relative seconds, or a
//     duration string such as "2m59.56s"
//
// The result is never negative.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	d, _, ok := retryAfter(h, now)
	return d, ok
}

func retryAfter(h http.Header, now time.Time) (time.Duration, string, bool) {
	if h == nil {
		return 0, "", false
	}

	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(ms) {
			return clamp(time.Duration(ms * float64(time.Millisecond))), "retry-after-ms", true
		}
	}

	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(secs) {
			if secs >= epochThreshold {
				return clamp(epochToDuration(secs, now)), "retry-after", true
			}
			return clamp(secondsToDuration(secs)), "retry-after", true
		}
		if t, err := http.ParseTime(v); err == nil {
			return clamp(t.Sub(now)), "retry-after", true
		}
	}

	for _, name := range []string{"x-ratelimit-reset", "x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if d, ok := parseReset(v, now); ok {
			return clamp(d), name, true
		}
	}

	return 0, "", false
}

// parseReset handles the shapes providers use for reset headers.
func parseReset(v string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs >= epochThreshold {
			return epochToDuration(secs, now), true
		}
		return secondsToDuration(secs), true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.Sub(now), true
	}
	return 0, false
}

func epochToDuration(secs float64, now time.Time) time.Duration {
	whole, frac := math.Modf(secs)
	reset := time.Unix(int64(whole), int64(frac*float64(time.Second)))
	return reset.Sub(now)
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
