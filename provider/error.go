package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is a classified upstream failure. It exposes the status, code and
// headers the dispatcher uses to recognize rate limits.
type Error struct {
	Provider string
	Status   int
	Code     string
	Message  string
	Header   http.Header
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying SDK or transport error.
func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the upstream HTTP status, or 0.
func (e *Error) HTTPStatus() int { return e.Status }

// ErrorCode returns the upstream machine-readable code, if any.
func (e *Error) ErrorCode() string { return e.Code }

// ResponseHeader returns the upstream response headers, if any.
func (e *Error) ResponseHeader() http.Header { return e.Header }

// TooManyRequests builds a 429 error carrying a retry-after-ms header.
// Mock transports use it to simulate throttling.
func TooManyRequests(provider string, retryAfter time.Duration) *Error {
	h := http.Header{}
	if retryAfter > 0 {
		h.Set("retry-after-ms", strconv.FormatInt(retryAfter.Milliseconds(), 10))
	}
	return &Error{
		Provider: provider,
		Status:   http.StatusTooManyRequests,
		Code:     "rate_limit_exceeded",
		Message:  "too many requests",
		Header:   h,
	}
}

// apiErrorBody is the error envelope used by OpenAI-compatible APIs.
type apiErrorBody struct {
	Error *struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// errorFromResponse builds an Error from a non-2xx HTTP response body.
func errorFromResponse(provider string, status int, header http.Header, body []byte) *Error {
	e := &Error{
		Provider: provider,
		Status:   status,
		Header:   header.Clone(),
	}

	var env apiErrorBody
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		e.Message = env.Error.Message
		e.Code = rawCode(env.Error.Code)
		if e.Code == "" {
			e.Code = env.Error.Type
		}
		return e
	}

	e.Message = strings.TrimSpace(truncate(string(body), 512))
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// rawCode accepts codes sent as either strings or numbers.
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
