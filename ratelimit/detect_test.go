package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type transportError struct {
	status int
	code   string
	header http.Header
	msg    string
}

func (e *transportError) Error() string               { return e.msg }
func (e *transportError) HTTPStatus() int             { return e.status }
func (e *transportError) ErrorCode() string           { return e.code }
func (e *transportError) ResponseHeader() http.Header { return e.header }

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 429", &transportError{status: 429, msg: "upstream said no"}, true},
		{"status 500", &transportError{status: 500, msg: "internal server error"}, false},
		{"code", &transportError{status: 400, code: "rate_limit_exceeded", msg: "bad"}, true},
		{"code upper", &transportError{code: "RESOURCE_EXHAUSTED", msg: "quota"}, true},
		{"message", errors.New("Rate Limit reached for model"), true},
		{"too many requests", errors.New("HTTP 429: Too Many Requests"), true},
		{"wrapped", fmt.Errorf("groq: %w", &transportError{status: 429}), true},
		{"unrelated", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimit(tt.err); got != tt.want {
				t.Errorf("IsRateLimit(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	now := time.Unix(1700000000, 0)

	h := http.Header{}
	h.Set("Retry-After", "3")
	err := fmt.Errorf("call failed: %w", &transportError{status: 429, code: "rate_limit_exceeded", header: h, msg: "slow down"})

	info, ok := Detect(err, now)
	if !ok {
		t.Fatal("expected rate limit")
	}
	if info.Status != 429 || info.Code != "rate_limit_exceeded" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.RetryAfter != 3*time.Second || info.Source != "retry-after" {
		t.Errorf("expected 3s from retry-after, got %v from %s", info.RetryAfter, info.Source)
	}

	if _, ok := Detect(errors.New("timeout"), now); ok {
		t.Error("timeout should not be a rate limit")
	}
}

func TestDetect_DefaultRetryAfter(t *testing.T) {
	info, ok := Detect(errors.New("rate limit exceeded"), time.Now())
	if !ok {
		t.Fatal("expected rate limit")
	}
	if info.RetryAfter != DefaultRetryAfter || info.Source != "default" {
		t.Errorf("expected default 1s, got %v (%s)", info.RetryAfter, info.Source)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		headers map[string]string
		want    time.Duration
		ok      bool
	}{
		{"none", nil, 0, false},
		{"retry-after seconds", map[string]string{"Retry-After": "3"}, 3 * time.Second, true},
		{"retry-after fractional", map[string]string{"Retry-After": "1.5"}, 1500 * time.Millisecond, true},
		{"retry-after http date", map[string]string{"Retry-After": now.Add(10 * time.Second).UTC().Format(http.TimeFormat)}, 10 * time.Second, true},
		{"retry-after-ms", map[string]string{"retry-after-ms": "250"}, 250 * time.Millisecond, true},
		{"ms wins over seconds", map[string]string{"retry-after-ms": "250", "Retry-After": "9"}, 250 * time.Millisecond, true},
		{"reset epoch", map[string]string{"x-ratelimit-reset": "1700000004"}, 4 * time.Second, true},
		{"reset epoch fractional", map[string]string{"x-ratelimit-reset": "1700000002.5"}, 2500 * time.Millisecond, true},
		{"reset relative", map[string]string{"x-ratelimit-reset": "7"}, 7 * time.Second, true},
		{"reset requests duration", map[string]string{"x-ratelimit-reset-requests": "2m59.56s"}, 2*time.Minute + 59560*time.Millisecond, true},
		{"reset tokens duration", map[string]string{"x-ratelimit-reset-tokens": "7.66s"}, 7660 * time.Millisecond, true},
		{"reset in the past", map[string]string{"x-ratelimit-reset": "1699999990"}, 0, true},
		{"garbage", map[string]string{"Retry-After": "soon", "x-ratelimit-reset": "later"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got, ok := RetryAfter(h, now)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("RetryAfter = %v, want %v", got, tt.want)
			}
		})
	}
}
