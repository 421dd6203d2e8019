// Package dispatch is the caller-facing entry point. A Dispatcher owns the
// session registry, the cooldown calculator, the optional client-side token
// bucket and the provider pool, and ties their lifecycles together.
package dispatch

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vinayprograms/llmdispatch/cooldown"
	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/fallback"
	"github.com/vinayprograms/llmdispatch/logging"
	"github.com/vinayprograms/llmdispatch/pool"
	"github.com/vinayprograms/llmdispatch/provider"
	"github.com/vinayprograms/llmdispatch/queue"
	"github.com/vinayprograms/llmdispatch/ratelimit"
	"github.com/vinayprograms/llmdispatch/session"
)

// Config configures a Dispatcher.
type Config struct {
	// Providers are the named pool entries.
	Providers map[string]pool.ProviderConfig

	// Pool options shared by every provider queue.
	Pool pool.Options

	// Registry tracks live sessions. Nil means an in-memory registry with
	// SessionTimeout.
	Registry       session.Registry
	SessionTimeout time.Duration

	// RequestsPerMinute and CooldownOverrides feed the cooldown calculator.
	RequestsPerMinute map[string]int
	CooldownOverrides map[string]int
	DefaultCooldown   time.Duration

	// TokenBucket enables client-side throttling keyed "tenant|provider".
	// Nil disables it.
	TokenBucket *ratelimit.Config

	// Fallbacks are fallback providers registered in Providers, keyed by
	// pool name, so their member health shows up in Stats.
	Fallbacks map[string]*fallback.Provider

	// Closers run on Close after the pool has shut down.
	Closers []func() error

	Now    func() time.Time
	Logger *logging.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	pool      *pool.Manager
	registry  session.Registry
	cooldown  *cooldown.Calculator
	limiter   *ratelimit.TokenBucketLimiter
	fallbacks map[string]*fallback.Provider
	closers   []func() error
	log       *logging.Logger
}

// New builds a Dispatcher and its pool.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Pool.Logger == nil {
		cfg.Pool.Logger = cfg.Logger
	}
	if cfg.Pool.Now == nil {
		cfg.Pool.Now = cfg.Now
	}

	registry := cfg.Registry
	if registry == nil {
		mem, err := session.NewMemoryRegistry(session.Config{
			Timeout: cfg.SessionTimeout,
			Logger:  cfg.Logger,
			Now:     cfg.Now,
		})
		if err != nil {
			return nil, errors.InvalidConfig("session registry", errors.WithCause(err))
		}
		registry = mem
	}

	var limiter *ratelimit.TokenBucketLimiter
	if cfg.TokenBucket != nil {
		tb := *cfg.TokenBucket
		if tb.Now == nil {
			tb.Now = cfg.Now
		}
		l, err := ratelimit.NewTokenBucketLimiter(tb)
		if err != nil {
			return nil, errors.InvalidConfig("token bucket", errors.WithCause(err))
		}
		limiter = l
	}

	for name := range cfg.Fallbacks {
		if _, ok := cfg.Providers[name]; !ok {
			return nil, errors.InvalidConfig("fallback " + name + " is not a configured provider")
		}
	}

	mgr, err := pool.New(cfg.Providers, cfg.Pool)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		pool:     mgr,
		registry: registry,
		cooldown: cooldown.New(registry, cooldown.Config{
			RequestsPerMinute: cfg.RequestsPerMinute,
			Overrides:         cfg.CooldownOverrides,
			DefaultCooldown:   cfg.DefaultCooldown,
			Now:               cfg.Now,
		}),
		limiter:   limiter,
		fallbacks: cfg.Fallbacks,
		closers:   cfg.Closers,
		log:       cfg.Logger.WithComponent("dispatch"),
	}, nil
}

// ThrottleKey is the token bucket key for a tenant and provider.
func ThrottleKey(tenantID, providerName string) string {
	return tenantID + "|" + providerName
}

// Execute submits req to the named provider on behalf of tenantID and waits
// for the outcome. The request time is recorded on the tenant's session.
func (d *Dispatcher) Execute(ctx context.Context, providerName string, req *provider.Request, tenantID string) (*provider.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.InvalidInput("request has no messages", errors.WithTenant(tenantID))
	}

	if d.limiter != nil {
		key := ThrottleKey(tenantID, providerName)
		if !d.limiter.TryAcquire(key) {
			wait := d.limiter.TimeUntilNextToken(key)
			d.log.Debug("client_throttled",
				zap.String("key", key),
				zap.Duration("wait", wait))
			return nil, errors.ClientThrottled(key, wait,
				errors.WithTenant(tenantID),
				errors.WithProvider(providerName))
		}
	}

	d.registry.RecordRequest(tenantID)
	return d.pool.Execute(ctx, providerName, req, tenantID)
}

// RegisterSession creates or resets a session.
func (d *Dispatcher) RegisterSession(id string) {
	d.registry.Register(id)
}

// Heartbeat refreshes a session, registering it if unknown.
func (d *Dispatcher) Heartbeat(id string) {
	d.registry.Heartbeat(id)
}

// RecordRequest stamps a request on a known session without dispatching.
func (d *Dispatcher) RecordRequest(id string) {
	d.registry.RecordRequest(id)
}

// RemoveSession deletes a session.
func (d *Dispatcher) RemoveSession(id string) {
	d.registry.Remove(id)
}

// Session returns one live session.
func (d *Dispatcher) Session(id string) (session.Session, bool) {
	return d.registry.Get(id)
}

// Sessions returns the live sessions ordered by ID.
func (d *Dispatcher) Sessions() []session.Session {
	out := d.registry.Sessions()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CooldownStatus reports when sessionID may next call providerName.
func (d *Dispatcher) CooldownStatus(sessionID, providerName string) cooldown.Status {
	return d.cooldown.Status(sessionID, providerName)
}

// HasProvider reports whether name is configured.
func (d *Dispatcher) HasProvider(name string) bool {
	_, ok := d.pool.Transport(name)
	return ok
}

// Providers returns the configured provider names in sorted order.
func (d *Dispatcher) Providers() []string {
	return d.pool.Providers()
}

// ProviderStats is the view of one pool entry.
type ProviderStats struct {
	Model         string            `json:"model"`
	Available     bool              `json:"available"`
	FallbackChain []string          `json:"fallback_chain,omitempty"`
	CooldownMs    int64             `json:"cooldown_ms"`
	Queue         queue.Stats       `json:"queue"`
	Members       []fallback.Status `json:"members,omitempty"`
}

// Stats is a point-in-time snapshot of the dispatcher.
type Stats struct {
	ActiveSessions int                      `json:"active_sessions"`
	AllRateLimited bool                     `json:"all_rate_limited"`
	NextAvailable  string                   `json:"next_available,omitempty"`
	TokenBuckets   int                      `json:"token_buckets,omitempty"`
	Providers      map[string]ProviderStats `json:"providers"`
}

// Stats returns queue, cooldown and fallback health for every provider.
func (d *Dispatcher) Stats() Stats {
	queues := d.pool.QueueStats()
	st := Stats{
		ActiveSessions: d.registry.ActiveCount(),
		AllRateLimited: d.pool.AreAllProvidersRateLimited(),
		Providers:      make(map[string]ProviderStats, len(queues)),
	}
	if name, ok := d.pool.NextAvailableProvider(); ok {
		st.NextAvailable = name
	}
	if d.limiter != nil {
		st.TokenBuckets = d.limiter.Keys()
	}

	for name, qs := range queues {
		t, _ := d.pool.Transport(name)
		ps := ProviderStats{
			Model:         t.ModelName(),
			Available:     t.IsAvailable(),
			FallbackChain: d.pool.FallbackChain(name),
			CooldownMs:    d.cooldown.Cooldown(name).Milliseconds(),
			Queue:         qs,
		}
		if fb, ok := d.fallbacks[name]; ok {
			ps.Members = fb.ProviderStatus()
		}
		st.Providers[name] = ps
	}
	return st
}

// Close shuts the pool down, rejecting queued requests, then runs the
// configured closers. The first closer error is returned.
func (d *Dispatcher) Close() error {
	d.pool.Close()
	var first error
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.log.Warn("close_failed", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
