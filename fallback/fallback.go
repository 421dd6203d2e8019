// Package fallback wraps an ordered list of transports as a single
// transport. Calls go to the first healthy transport; failures move on to
// the next one. A transport that fails too many times in a row is taken
// out of rotation until a recovery period has passed.
package fallback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/logging"
	"github.com/vinayprograms/llmdispatch/provider"
)

// Defaults.
const (
	DefaultMaxConsecutiveFailures = 3
	DefaultRetryAfter             = 60 * time.Second
	DefaultName                   = "fallback"
)

// Config configures a fallback Provider.
type Config struct {
	// Name is reported by ProviderID. Default "fallback".
	Name string

	// MaxConsecutiveFailures disables a transport after this many failures
	// in a row. Default 3.
	MaxConsecutiveFailures int

	// RetryAfter is how long a disabled transport sits out. Default 60s.
	RetryAfter time.Duration

	Now    func() time.Time
	Logger *logging.Logger
}

// Status is the health of one wrapped transport.
type Status struct {
	Provider            string     `json:"provider"`
	Model               string     `json:"model"`
	Healthy             bool       `json:"healthy"`
	Disabled            bool       `json:"disabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

type state struct {
	failures      int
	lastFailureAt time.Time
	disabled      bool
}

// Provider is an ordered fallback over several transports. It implements
// provider.Transport and is safe for concurrent use.
type Provider struct {
	transports []provider.Transport
	cfg        Config
	log        *logging.Logger

	mu     sync.Mutex
	states []state
}

var _ provider.Transport = (*Provider)(nil)

// New creates a fallback provider. The list must not be empty.
func New(transports []provider.Transport, cfg Config) (*Provider, error) {
	if len(transports) == 0 {
		return nil, errors.InvalidConfig("fallback requires at least one provider")
	}
	for _, t := range transports {
		if t == nil {
			return nil, errors.InvalidConfig("fallback provider list contains nil")
		}
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Provider{
		transports: append([]provider.Transport(nil), transports...),
		cfg:        cfg,
		log:        cfg.Logger.WithComponent("fallback"),
		states:     make([]state, len(transports)),
	}, nil
}

// Generate tries each usable transport in order and returns the first
// success. Every failure counts against that transport regardless of kind.
// If nothing succeeds the result is a NO_PROVIDERS error wrapping the last
// transport error.
func (p *Provider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var last error
	prev := ""
	for i, t := range p.transports {
		if !p.usable(i) || !t.IsAvailable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Canceled(p.cfg.Name, err)
		}
		if prev != "" {
			p.log.Fallback(prev, t.ProviderID())
		}

		resp, err := t.Generate(ctx, req)
		if err == nil {
			p.recordSuccess(i)
			return resp, nil
		}
		last = err
		p.recordFailure(i, t.ProviderID())
		prev = t.ProviderID()
	}
	return nil, errors.NoProviders(last, errors.WithProvider(p.cfg.Name))
}

// usable reports whether transport i may be tried. A disabled transport
// whose recovery period has passed is re-enabled with its counter cleared.
func (p *Provider) usable(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.states[i]
	if !s.disabled {
		return true
	}
	if p.cfg.Now().Sub(s.lastFailureAt) < p.cfg.RetryAfter {
		return false
	}
	s.disabled = false
	s.failures = 0
	p.log.Info("provider_recovered", zap.String("provider", p.transports[i].ProviderID()))
	return true
}

func (p *Provider) recordSuccess(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[i] = state{}
}

func (p *Provider) recordFailure(i int, name string) {
	p.mu.Lock()
	s := &p.states[i]
	s.failures++
	s.lastFailureAt = p.cfg.Now()
	disable := !s.disabled && s.failures >= p.cfg.MaxConsecutiveFailures
	if disable {
		s.disabled = true
	}
	failures := s.failures
	p.mu.Unlock()

	if disable {
		p.log.ProviderDisabled(name, failures)
	}
}

// ActiveProvider returns the transport the next call would try first, or
// nil if every transport is disabled or unavailable.
func (p *Provider) ActiveProvider() provider.Transport {
	for i, t := range p.transports {
		if p.usable(i) && t.IsAvailable() {
			return t
		}
	}
	return nil
}

// ProviderStatus reports the health of every wrapped transport in order.
func (p *Provider) ProviderStatus() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, len(p.transports))
	for i, t := range p.transports {
		s := p.states[i]
		st := Status{
			Provider:            t.ProviderID(),
			Model:               t.ModelName(),
			Healthy:             !s.disabled && t.IsAvailable(),
			Disabled:            s.disabled,
			ConsecutiveFailures: s.failures,
		}
		if !s.lastFailureAt.IsZero() {
			at := s.lastFailureAt
			st.LastFailureAt = &at
		}
		if s.disabled {
			retry := s.lastFailureAt.Add(p.cfg.RetryAfter)
			st.RetryAt = &retry
		}
		out[i] = st
	}
	return out
}

// ResetFailures clears every transport's failure state.
func (p *Provider) ResetFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.states {
		p.states[i] = state{}
	}
}

// IsAvailable reports whether any transport can currently be tried.
func (p *Provider) IsAvailable() bool {
	return p.ActiveProvider() != nil
}

// ModelName returns the active transport's model.
func (p *Provider) ModelName() string {
	if t := p.ActiveProvider(); t != nil {
		return t.ModelName()
	}
	return ""
}

// ProviderID returns the configured name.
func (p *Provider) ProviderID() string { return p.cfg.Name }

// Pricing returns the active transport's pricing.
func (p *Provider) Pricing() provider.Pricing {
	if t := p.ActiveProvider(); t != nil {
		return t.Pricing()
	}
	return provider.Pricing{}
}
