// Package config loads the dispatcher's TOML configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/llmdispatch/credentials"
	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/provider"
)

// KindFallback groups other providers behind one ordered fallback transport.
const KindFallback = "fallback"

// Config is the top-level configuration.
type Config struct {
	Dispatcher        DispatcherConfig          `toml:"dispatcher"`
	Sessions          SessionsConfig            `toml:"sessions"`
	Redis             RedisConfig               `toml:"redis"`
	TokenBucket       TokenBucketConfig         `toml:"token_bucket"`
	Server            ServerConfig              `toml:"server"`
	Logging           LoggingConfig             `toml:"logging"`
	Telemetry         TelemetryConfig           `toml:"telemetry"`
	Credentials       string                    `toml:"credentials"` // optional credentials.toml path
	Providers         map[string]ProviderConfig `toml:"providers"`
	CooldownOverrides map[string]int            `toml:"cooldown_overrides"` // key -> requests per minute
}

// DispatcherConfig holds queue, pool and fallback tuning.
type DispatcherConfig struct {
	MaxRequestAgeMs        int64  `toml:"max_request_age_ms"`
	MaxRequeues            int    `toml:"max_requeues"` // negative surfaces the first rate limit
	Reinsert               string `toml:"reinsert"` // head or tail
	MaxConsecutiveFailures int    `toml:"max_consecutive_failures"`
	RetryAfterMs           int64  `toml:"retry_after_ms"`
	MaxRetries             int    `toml:"max_retries"` // negative disables retries
	RetryBackoffMs         int64  `toml:"retry_backoff_ms"`
	DefaultCooldownMs      int64  `toml:"default_cooldown_ms"`
}

// SessionsConfig selects and tunes the session registry.
type SessionsConfig struct {
	TimeoutMs int64  `toml:"timeout_ms"`
	Store     string `toml:"store"` // memory or redis
}

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// TokenBucketConfig configures the client-side limiter.
type TokenBucketConfig struct {
	Enabled         bool    `toml:"enabled"`
	MaxTokens       int     `toml:"max_tokens"`
	RefillPerSecond float64 `toml:"refill_per_second"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string `toml:"addr"`
	ShutdownTimeoutMs int64  `toml:"shutdown_timeout_ms"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

// TelemetryConfig configures OTLP tracing. Tracing is off unless enabled.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"` // grpc or http
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
	Debug       bool   `toml:"debug"`
}

// ProviderConfig describes one named provider.
type ProviderConfig struct {
	Kind              string   `toml:"kind"`
	Model             string   `toml:"model"`
	APIKey            string   `toml:"api_key"`
	APIKeyEnv         string   `toml:"api_key_env"`
	BaseURL           string   `toml:"base_url"`
	MaxTokens         int      `toml:"max_tokens"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	MaxConcurrent     int      `toml:"max_concurrent"`
	MaxRequestAgeMs   int64    `toml:"max_request_age_ms"`
	FallbackChain     []string `toml:"fallback_chain"`
	Members           []string `toml:"members"` // kind = "fallback" only
	InputCostPer1M    float64  `toml:"input_cost_per_1m"`
	OutputCostPer1M   float64  `toml:"output_cost_per_1m"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.InvalidConfig(fmt.Sprintf("reading config: %v", err), errors.WithCause(err))
	}
	return Parse(string(data))
}

// Parse decodes, defaults and validates TOML content. Unknown keys are
// rejected.
func Parse(content string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return nil, errors.InvalidConfig(fmt.Sprintf("parsing config: %v", err), errors.WithCause(err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.InvalidConfig("unknown config keys: " + strings.Join(keys, ", "))
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// providers.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	d := &c.Dispatcher
	if d.MaxRequestAgeMs == 0 {
		d.MaxRequestAgeMs = 60_000
	}
	if d.MaxRequeues == 0 {
		d.MaxRequeues = 5
	}
	if d.Reinsert == "" {
		d.Reinsert = "head"
	}
	if d.MaxConsecutiveFailures == 0 {
		d.MaxConsecutiveFailures = 3
	}
	if d.RetryAfterMs == 0 {
		d.RetryAfterMs = 60_000
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RetryBackoffMs == 0 {
		d.RetryBackoffMs = 1000
	}
	if d.DefaultCooldownMs == 0 {
		d.DefaultCooldownMs = 3000
	}

	if c.Sessions.TimeoutMs == 0 {
		c.Sessions.TimeoutMs = 30_000
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "llmdispatch:sessions"
	}

	if c.TokenBucket.MaxTokens == 0 {
		c.TokenBucket.MaxTokens = 10
	}
	if c.TokenBucket.RefillPerSecond == 0 {
		c.TokenBucket.RefillPerSecond = 1
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeoutMs == 0 {
		c.Server.ShutdownTimeoutMs = 10_000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}

	for name, p := range c.Providers {
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = 1
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = provider.DefaultMaxTokens
		}
		c.Providers[name] = p
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	d := c.Dispatcher
	if d.MaxRequestAgeMs < 0 || d.RetryAfterMs < 0 || d.RetryBackoffMs < 0 || d.DefaultCooldownMs < 0 {
		add("dispatcher durations must not be negative")
	}
	if d.MaxConsecutiveFailures < 0 {
		add("dispatcher.max_consecutive_failures must not be negative")
	}
	if d.Reinsert != "head" && d.Reinsert != "tail" {
		add("dispatcher.reinsert must be head or tail, got %q", d.Reinsert)
	}
	if c.Sessions.TimeoutMs < 0 {
		add("sessions.timeout_ms must not be negative")
	}
	if c.Sessions.Store != "memory" && c.Sessions.Store != "redis" {
		add("sessions.store must be memory or redis, got %q", c.Sessions.Store)
	}
	if c.TokenBucket.Enabled && (c.TokenBucket.MaxTokens <= 0 || c.TokenBucket.RefillPerSecond <= 0) {
		add("token_bucket.max_tokens and refill_per_second must be positive")
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		add("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}

	if len(c.Providers) == 0 {
		add("at least one provider is required")
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		switch {
		case p.Kind == KindFallback:
			if len(p.Members) == 0 {
				add("providers.%s: fallback requires members", name)
			}
			for _, m := range p.Members {
				mp, ok := c.Providers[m]
				switch {
				case m == name:
					add("providers.%s: fallback lists itself as a member", name)
				case !ok:
					add("providers.%s: unknown member %q", name, m)
				case mp.Kind == KindFallback:
					add("providers.%s: member %q is itself a fallback", name, m)
				}
			}
		case !provider.KnownKind(p.Kind):
			add("providers.%s: unknown kind %q", name, p.Kind)
		case len(p.Members) > 0:
			add("providers.%s: members is only valid for kind fallback", name)
		}
		if p.MaxConcurrent <= 0 {
			add("providers.%s: max_concurrent must be positive", name)
		}
		if p.RequestsPerMinute < 0 {
			add("providers.%s: requests_per_minute must not be negative", name)
		}
		for _, fb := range p.FallbackChain {
			if fb == name {
				add("providers.%s: fallback_chain lists itself", name)
			} else if _, ok := c.Providers[fb]; !ok {
				add("providers.%s: fallback_chain names unknown provider %q", name, fb)
			}
		}
	}
	for key, rpm := range c.CooldownOverrides {
		if rpm <= 0 {
			add("cooldown_overrides.%s must be positive", key)
		}
	}

	if len(problems) > 0 {
		return errors.InvalidConfig("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// ProviderNames returns provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveAPIKey returns the key for the named provider. Priority: inline
// api_key, api_key_env, then creds (which falls back to the kind's
// conventional environment variable). creds may be nil.
func (c *Config) ResolveAPIKey(name string, creds *credentials.Credentials) string {
	p := c.Providers[name]
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	if p.Kind == provider.KindMock || p.Kind == KindFallback {
		return ""
	}
	return creds.APIKey(name, p.Kind)
}

// TransportConfig returns the provider.Config for a non-fallback provider.
func (c *Config) TransportConfig(name string, creds *credentials.Credentials) provider.Config {
	p := c.Providers[name]
	return provider.Config{
		Kind:      p.Kind,
		Name:      name,
		Model:     p.Model,
		APIKey:    c.ResolveAPIKey(name, creds),
		BaseURL:   p.BaseURL,
		MaxTokens: p.MaxTokens,
		Pricing: provider.Pricing{
			InputCostPer1M:  p.InputCostPer1M,
			OutputCostPer1M: p.OutputCostPer1M,
		},
	}
}

// RequestsPerMinute returns the configured rpm for every provider that sets one.
func (c *Config) RequestsPerMinute() map[string]int {
	out := make(map[string]int)
	for name, p := range c.Providers {
		if p.RequestsPerMinute > 0 {
			out[name] = p.RequestsPerMinute
		}
	}
	return out
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// MaxRequestAge returns dispatcher.max_request_age_ms as a duration.
func (d DispatcherConfig) MaxRequestAge() time.Duration { return ms(d.MaxRequestAgeMs) }

// RetryAfter returns dispatcher.retry_after_ms as a duration.
func (d DispatcherConfig) RetryAfter() time.Duration { return ms(d.RetryAfterMs) }

// RetryBackoff returns dispatcher.retry_backoff_ms as a duration.
func (d DispatcherConfig) RetryBackoff() time.Duration { return ms(d.RetryBackoffMs) }

// DefaultCooldown returns dispatcher.default_cooldown_ms as a duration.
func (d DispatcherConfig) DefaultCooldown() time.Duration { return ms(d.DefaultCooldownMs) }

// Timeout returns sessions.timeout_ms as a duration.
func (s SessionsConfig) Timeout() time.Duration { return ms(s.TimeoutMs) }

// ShutdownTimeout returns server.shutdown_timeout_ms as a duration.
func (s ServerConfig) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMs) }

// MaxRequestAge returns the provider override, or zero.
func (p ProviderConfig) MaxRequestAge() time.Duration { return ms(p.MaxRequestAgeMs) }
