// Package ratelimit provides the client-side token bucket limiter and the
// classification of provider rate-limit errors.
//
// # Token Bucket
//
// TokenBucketLimiter shapes outgoing traffic per key (typically
// "tenant|provider"). It is independent of, and applied in addition to,
// limits the provider reports:
//
//	limiter, err := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
//	    MaxTokens:  10,
//	    RefillRate: 0.01, // tokens per millisecond, 10/s
//	})
//	if !limiter.TryAcquire("agent-1|groq") {
//	    wait := limiter.TimeUntilNextToken("agent-1|groq")
//	    // back off for wait
//	}
//
// # Detection
//
// Detect decides whether a transport error is throttling. An error counts as
// a rate limit if it reports HTTP 429, carries a known rate-limit code, or its
// message mentions "rate limit" or "too many requests". Transport errors
// expose status, code and headers by implementing any of:
//
//	HTTPStatus() int
//	ErrorCode() string
//	ResponseHeader() http.Header
//
// The retry-after is taken from the headers (see RetryAfter) and defaults
// to one second.
package ratelimit
