// Package pool routes requests across named provider queues.
//
// A Manager owns one queue per provider and a fallback chain per provider
// name. When the named provider is rate limited, the chain is walked once
// (skipping providers that are themselves rate limited). When the chain is
// exhausted the manager backs off and retries the original provider, up to
// a retry ceiling.
package pool

import (
	"context"
	"sort"
	"time"

	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/logging"
	"github.com/vinayprograms/llmdispatch/provider"
	"github.com/vinayprograms/llmdispatch/queue"
	"github.com/vinayprograms/llmdispatch/telemetry"
)

// Defaults.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second
)

// ProviderConfig describes one managed provider.
type ProviderConfig struct {
	Transport     provider.Transport
	MaxConcurrent int
	FallbackChain []string

	// MaxRequestAge overrides Options.MaxRequestAge for this provider.
	MaxRequestAge time.Duration
}

// Options configures a Manager.
type Options struct {
	// MaxRetries is how many times the original provider is retried after
	// its chain is exhausted. Zero means DefaultMaxRetries; negative means
	// no retries.
	MaxRetries int

	// RetryBackoff is the fixed wait before each retry. Default 1s.
	RetryBackoff time.Duration

	// MaxRequestAge and MaxRequeues are passed to every queue.
	MaxRequestAge time.Duration
	MaxRequeues   int
	Reinsert      queue.ReinsertPolicy

	Now    func() time.Time
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Manager is the top-level dispatcher over named provider queues.
// It is safe for concurrent use.
type Manager struct {
	queues map[string]*queue.Queue
	chains map[string][]string
	names  []string
	opts   Options
	log    *logging.Logger
}

// New builds one queue per provider. Every fallback chain entry must name a
// configured provider other than its owner.
func New(providers map[string]ProviderConfig, opts Options) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.InvalidConfig("pool requires at least one provider")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	m := &Manager{
		queues: make(map[string]*queue.Queue, len(providers)),
		chains: make(map[string][]string, len(providers)),
		opts:   opts,
		log:    opts.Logger.WithComponent("pool"),
	}

	for name, pc := range providers {
		if pc.Transport == nil {
			return nil, errors.InvalidConfig("provider " + name + " has no transport")
		}
		for _, fb := range pc.FallbackChain {
			if fb == name {
				return nil, errors.InvalidConfig("provider " + name + " lists itself as a fallback")
			}
			if _, ok := providers[fb]; !ok {
				return nil, errors.InvalidConfig("provider " + name + " has unknown fallback " + fb)
			}
		}
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)

	for _, name := range m.names {
		pc := providers[name]
		maxAge := pc.MaxRequestAge
		if maxAge <= 0 {
			maxAge = opts.MaxRequestAge
		}
		m.queues[name] = queue.New(name, pc.Transport, queue.Config{
			MaxConcurrent: pc.MaxConcurrent,
			MaxRequestAge: maxAge,
			MaxRequeues:   opts.MaxRequeues,
			Reinsert:      opts.Reinsert,
			Now:           opts.Now,
			Logger:        opts.Logger,
		})
		m.chains[name] = append([]string(nil), pc.FallbackChain...)
	}
	return m, nil
}

// Execute sends req to the named provider on behalf of tenantID.
//
// Non rate-limit failures of the named provider are returned as they are.
// Rate limits trigger the fallback chain, then backoff and retry of the
// named provider. When retries run out the result is PROVIDER_EXHAUSTED
// wrapping the last failure.
func (m *Manager) Execute(ctx context.Context, name string, req *provider.Request, tenantID string) (*provider.Response, error) {
	if _, ok := m.queues[name]; !ok {
		return nil, errors.UnknownProvider(name, errors.WithTenant(tenantID))
	}

	for attempt := 0; ; attempt++ {
		resp, retry, err := m.attempt(ctx, name, req, tenantID, attempt)
		if !retry {
			return resp, err
		}
		if attempt >= m.opts.MaxRetries {
			return nil, errors.ProviderExhausted(name, attempt, err, errors.WithTenant(tenantID))
		}

		m.log.Retry(name, attempt+1, m.opts.RetryBackoff)
		t := time.NewTimer(m.opts.RetryBackoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Canceled(name, ctx.Err(), errors.WithTenant(tenantID))
		}
	}
}

// attempt runs the named provider and, if it is rate limited, its chain.
// retry is true when every option was rate limited or failed after a rate
// limit on the named provider.
func (m *Manager) attempt(ctx context.Context, name string, req *provider.Request, tenantID string, attempt int) (resp *provider.Response, retry bool, err error) {
	tracer := m.opts.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	ctx, span := tracer.StartDispatchSpan(ctx, name, attempt)
	spanOpts := telemetry.DispatchSpanOptions{Provider: name, Tenant: tenantID, Attempt: attempt}
	defer func() {
		tracer.EndDispatchSpan(span, spanOpts, err)
	}()

	chain := m.chains[name]
	resp, err = m.queues[name].Enqueue(ctx, req, tenantID, enqueueOptions(req, len(chain) > 0)...)
	if err == nil {
		spanOpts.Outcome, spanOpts.ServedBy = "ok", name
		return resp, false, nil
	}
	if !errors.Is(err, errors.ErrCodeRateLimit) {
		spanOpts.Outcome = outcome(err)
		return nil, false, err
	}

	last := err
	for _, fb := range chain {
		fq := m.queues[fb]
		if fq.IsRateLimited() {
			continue
		}
		m.log.Fallback(name, fb)
		telemetry.QueueEvent(ctx, "pool.fallback")

		resp, ferr := fq.Enqueue(ctx, req, tenantID, enqueueOptions(req, true)...)
		if ferr == nil {
			spanOpts.Outcome, spanOpts.ServedBy = "fallback", fb
			return resp, false, nil
		}
		if errors.Is(ferr, errors.ErrCodeCanceled) {
			spanOpts.Outcome = outcome(ferr)
			return nil, false, ferr
		}
		last = ferr
	}

	spanOpts.Outcome = "rate_limited"
	return nil, true, last
}

func enqueueOptions(req *provider.Request, failFast bool) []queue.EnqueueOption {
	var opts []queue.EnqueueOption
	if req != nil && req.Metadata[provider.MetadataRequestID] != "" {
		opts = append(opts, queue.WithRequestID(req.Metadata[provider.MetadataRequestID]))
	}
	if failFast {
		opts = append(opts, queue.WithFailFast())
	}
	return opts
}

func outcome(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeRateLimit:
		return "rate_limited"
	case errors.ErrCodeRequestExpired:
		return "expired"
	case errors.ErrCodeCanceled:
		return "canceled"
	case errors.ErrCodeClosed:
		return "closed"
	}
	return "error"
}

// QueueStats returns every queue's stats keyed by provider name.
func (m *Manager) QueueStats() map[string]queue.Stats {
	out := make(map[string]queue.Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.Stats()
	}
	return out
}

// AreAllProvidersRateLimited reports whether every provider is inside a
// rate-limit window.
func (m *Manager) AreAllProvidersRateLimited() bool {
	for _, q := range m.queues {
		if !q.IsRateLimited() {
			return false
		}
	}
	return true
}

// NextAvailableProvider returns the first provider, in name order, that is
// not rate limited. ok is false when all of them are.
func (m *Manager) NextAvailableProvider() (name string, ok bool) {
	for _, n := range m.names {
		if !m.queues[n].IsRateLimited() {
			return n, true
		}
	}
	return "", false
}

// Providers returns the managed provider names in sorted order.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.names...)
}

// FallbackChain returns the configured chain for name.
func (m *Manager) FallbackChain(name string) []string {
	return append([]string(nil), m.chains[name]...)
}

// Transport returns the transport behind name.
func (m *Manager) Transport(name string) (provider.Transport, bool) {
	q, ok := m.queues[name]
	if !ok {
		return nil, false
	}
	return q.Transport(), true
}

// Close closes every queue. Waiting requests are rejected with CLOSED.
func (m *Manager) Close() {
	for _, q := range m.queues {
		q.Close()
	}
}
