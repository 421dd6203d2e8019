package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a TokenBucketLimiter.
type Config struct {
	// MaxTokens is the bucket capacity (burst).
	MaxTokens int

	// RefillRate is the number of tokens added per millisecond.
	RefillRate float64

	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// TokenBucketLimiter is a per-key client-side limiter. Each key gets its
// own bucket, created lazily on first use.
// It is safe for concurrent use.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	nowFunc func() time.Time // for testing
}

// NewTokenBucketLimiter creates a limiter. MaxTokens must be at least 1
// and RefillRate must be positive.
func NewTokenBucketLimiter(cfg Config) (*TokenBucketLimiter, error) {
	if cfg.MaxTokens < 1 {
		return nil, fmt.Errorf("%w: max tokens %d", ErrInvalidCapacity, cfg.MaxTokens)
	}
	if cfg.RefillRate <= 0 || math.IsInf(cfg.RefillRate, 0) || math.IsNaN(cfg.RefillRate) {
		return nil, fmt.Errorf("%w: refill rate %v", ErrInvalidRate, cfg.RefillRate)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(cfg.RefillRate * 1000), // per second
		burst:   cfg.MaxTokens,
		nowFunc: now,
	}, nil
}

// MaxTokens returns the bucket capacity.
func (l *TokenBucketLimiter) MaxTokens() int {
	return l.burst
}

// TryAcquire spends one token for key if available. The first call for a
// key creates a full bucket and spends one token from it.
func (l *TokenBucketLimiter) TryAcquire(key string) bool {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b.AllowN(now, 1)
}

// TimeUntilNextToken returns how long until key has a whole token.
// Unknown keys and keys with a token available return zero.
func (l *TokenBucketLimiter) TimeUntilNextToken(key string) time.Duration {
	now := l.nowFunc()

	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	tokens := b.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	ms := math.Ceil((1 - tokens) / float64(l.limit) * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Tokens returns the current token count for key.
func (l *TokenBucketLimiter) Tokens(key string) (float64, bool) {
	now := l.nowFunc()

	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.TokensAt(now), true
}

// Reset forgets the bucket for key.
func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// ResetAll forgets every bucket.
func (l *TokenBucketLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*rate.Limiter)
}

// Keys returns the number of tracked keys.
func (l *TokenBucketLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
