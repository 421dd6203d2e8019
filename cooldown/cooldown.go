// Package cooldown computes fair-share request spacing per tenant.
//
// A provider's requests-per-minute budget is split evenly across every live
// session: with rpm R and n active sessions, each session may send one
// request to that provider every ceil(60000/R*n) milliseconds.
package cooldown

import (
	"math"
	"time"

	"github.com/vinayprograms/llmdispatch/session"
)

// DefaultCooldown applies to providers with no configured RPM.
const DefaultCooldown = 3 * time.Second

// Config configures a Calculator.
type Config struct {
	// RequestsPerMinute by provider name.
	RequestsPerMinute map[string]int

	// Overrides by arbitrary key (for example "groq/llama-3.1-8b-instant").
	// An override takes precedence over the provider's RPM.
	Overrides map[string]int

	// DefaultCooldown for unknown providers. Default: 3 seconds.
	DefaultCooldown time.Duration

	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Status is the cooldown view for one session and provider.
type Status struct {
	CanRequest    bool          `json:"can_request"`
	Wait          time.Duration `json:"wait"`
	NextAllowedAt time.Time     `json:"next_allowed_at"`
}

// Calculator derives cooldowns from the live session count.
// It holds no mutable state of its own.
type Calculator struct {
	registry  session.Registry
	rpm       map[string]int
	overrides map[string]int
	fallback  time.Duration
	nowFunc   func() time.Time
}

// New creates a calculator reading active sessions from registry.
func New(registry session.Registry, cfg Config) *Calculator {
	c := &Calculator{
		registry:  registry,
		rpm:       make(map[string]int, len(cfg.RequestsPerMinute)),
		overrides: make(map[string]int, len(cfg.Overrides)),
		fallback:  cfg.DefaultCooldown,
		nowFunc:   cfg.Now,
	}
	for k, v := range cfg.RequestsPerMinute {
		c.rpm[k] = v
	}
	for k, v := range cfg.Overrides {
		c.overrides[k] = v
	}
	if c.fallback <= 0 {
		c.fallback = DefaultCooldown
	}
	if c.nowFunc == nil {
		c.nowFunc = time.Now
	}
	return c
}

// Cooldown returns the minimum spacing between requests to provider for
// each session.
func (c *Calculator) Cooldown(provider string) time.Duration {
	return c.CooldownFor(provider, "")
}

// CooldownFor is Cooldown with an optional override key. An empty or
// unknown key falls back to the provider's RPM.
func (c *Calculator) CooldownFor(provider, key string) time.Duration {
	rpm, ok := c.overrides[key]
	if key == "" || !ok {
		rpm, ok = c.rpm[provider]
	}

	n := c.registry.ActiveCount()
	if n == 0 {
		return 0
	}
	if !ok || rpm <= 0 {
		return c.fallback
	}
	return Spacing(rpm, n)
}

// Spacing returns ceil(60000/rpm*n) milliseconds, or zero when n is zero.
func Spacing(rpm, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	ms := math.Ceil(60000 / float64(rpm) * float64(n))
	return time.Duration(ms) * time.Millisecond
}

// NextAllowedAt returns the earliest time sessionID may call provider.
// Unknown sessions may request immediately.
func (c *Calculator) NextAllowedAt(sessionID, provider string) time.Time {
	now := c.nowFunc()
	s, ok := c.registry.Get(sessionID)
	if !ok || s.LastRequestTime.IsZero() {
		return now
	}
	next := s.LastRequestTime.Add(c.Cooldown(provider))
	if next.Before(now) {
		return now
	}
	return next
}

// CanRequestNow reports whether sessionID is outside its cooldown.
func (c *Calculator) CanRequestNow(sessionID, provider string) bool {
	return c.Status(sessionID, provider).CanRequest
}

// Status returns the full cooldown view.
func (c *Calculator) Status(sessionID, provider string) Status {
	now := c.nowFunc()
	next := c.NextAllowedAt(sessionID, provider)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return Status{
		CanRequest:    wait == 0,
		Wait:          wait,
		NextAllowedAt: next,
	}
}
