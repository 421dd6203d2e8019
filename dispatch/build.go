package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vinayprograms/llmdispatch/config"
	"github.com/vinayprograms/llmdispatch/credentials"
	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/fallback"
	"github.com/vinayprograms/llmdispatch/logging"
	"github.com/vinayprograms/llmdispatch/pool"
	"github.com/vinayprograms/llmdispatch/provider"
	"github.com/vinayprograms/llmdispatch/queue"
	"github.com/vinayprograms/llmdispatch/ratelimit"
	"github.com/vinayprograms/llmdispatch/session"
	"github.com/vinayprograms/llmdispatch/telemetry"
)

// redisPingTimeout bounds the startup connectivity check and every
// registry round trip.
const redisPingTimeout = 2 * time.Second

// BuildOptions carries the runtime collaborators FromConfig cannot read from
// the file.
type BuildOptions struct {
	Logger      *logging.Logger
	Tracer      *telemetry.Tracer
	Credentials *credentials.Credentials

	// Redis overrides the client built from [redis] when the session store
	// is redis. The caller keeps ownership of an injected client.
	Redis redis.UniversalClient
}

// FromConfig builds transports, the session registry and the Dispatcher
// described by cfg. cfg must already be validated.
func FromConfig(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Dispatcher, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	var closers []func() error
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	transports := make(map[string]provider.Transport, len(cfg.Providers))
	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]
		if pc.Kind == config.KindFallback {
			continue
		}
		t, err := provider.New(ctx, cfg.TransportConfig(name, opts.Credentials))
		if err != nil {
			cleanup()
			return nil, errors.InvalidConfig(fmt.Sprintf("provider %s: %v", name, err), errors.WithCause(err))
		}
		if c, ok := t.(interface{ Close() error }); ok {
			closers = append(closers, c.Close)
		}
		if !t.IsAvailable() {
			log.Warn("provider_unavailable",
				zap.String("provider", name),
				zap.String("kind", pc.Kind),
				zap.String("hint", "no API key resolved"))
		}
		transports[name] = provider.WithTracing(t, opts.Tracer)
	}

	fallbacks := make(map[string]*fallback.Provider)
	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]
		if pc.Kind != config.KindFallback {
			continue
		}
		members := make([]provider.Transport, 0, len(pc.Members))
		for _, m := range pc.Members {
			members = append(members, transports[m])
		}
		fb, err := fallback.New(members, fallback.Config{
			Name:                   name,
			MaxConsecutiveFailures: cfg.Dispatcher.MaxConsecutiveFailures,
			RetryAfter:             cfg.Dispatcher.RetryAfter(),
			Logger:                 log,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		fallbacks[name] = fb
		transports[name] = fb
	}

	providers := make(map[string]pool.ProviderConfig, len(transports))
	for name, t := range transports {
		pc := cfg.Providers[name]
		providers[name] = pool.ProviderConfig{
			Transport:     t,
			MaxConcurrent: pc.MaxConcurrent,
			FallbackChain: pc.FallbackChain,
			MaxRequestAge: pc.MaxRequestAge(),
		}
	}

	registry, closeRegistry, err := buildRegistry(ctx, cfg, opts, log)
	if err != nil {
		cleanup()
		return nil, err
	}
	if closeRegistry != nil {
		closers = append(closers, closeRegistry)
	}

	reinsert := queue.ReinsertHead
	if cfg.Dispatcher.Reinsert == "tail" {
		reinsert = queue.ReinsertTail
	}

	dcfg := Config{
		Providers: providers,
		Pool: pool.Options{
			MaxRetries:    cfg.Dispatcher.MaxRetries,
			RetryBackoff:  cfg.Dispatcher.RetryBackoff(),
			MaxRequestAge: cfg.Dispatcher.MaxRequestAge(),
			MaxRequeues:   cfg.Dispatcher.MaxRequeues,
			Reinsert:      reinsert,
			Logger:        log,
			Tracer:        opts.Tracer,
		},
		Registry:          registry,
		RequestsPerMinute: cfg.RequestsPerMinute(),
		CooldownOverrides: cfg.CooldownOverrides,
		DefaultCooldown:   cfg.Dispatcher.DefaultCooldown(),
		Fallbacks:         fallbacks,
		Closers:           closers,
		Logger:            log,
	}
	if tb := cfg.TokenBucket; tb.Enabled {
		dcfg.TokenBucket = &ratelimit.Config{
			MaxTokens:  tb.MaxTokens,
			RefillRate: tb.RefillPerSecond / 1000,
		}
	}

	d, err := New(dcfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	log.Info("dispatcher_ready",
		zap.Strings("providers", d.Providers()),
		zap.String("sessions", cfg.Sessions.Store),
		zap.Bool("token_bucket", cfg.TokenBucket.Enabled))
	return d, nil
}

// buildRegistry returns the configured session registry and, when it owns
// a Redis client, a closer for it.
func buildRegistry(ctx context.Context, cfg *config.Config, opts BuildOptions, log *logging.Logger) (session.Registry, func() error, error) {
	scfg := session.Config{
		Timeout: cfg.Sessions.Timeout(),
		Logger:  log,
	}
	if cfg.Sessions.Store != "redis" {
		r, err := session.NewMemoryRegistry(scfg)
		if err != nil {
			return nil, nil, errors.InvalidConfig("session registry", errors.WithCause(err))
		}
		return r, nil, nil
	}

	client := opts.Redis
	var closer func() error
	if client == nil {
		c := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client, closer = c, c.Close
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// The registry degrades on its own; a cold Redis is not fatal.
		log.Warn("redis_unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	r, err := session.NewRedisRegistry(client, scfg,
		session.WithKeyPrefix(cfg.Redis.KeyPrefix),
		session.WithOpTimeout(redisPingTimeout))
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, nil, errors.InvalidConfig("redis session registry", errors.WithCause(err))
	}
	return r, closer, nil
}
