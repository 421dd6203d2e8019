package provider

import (
	"context"
	"fmt"
	"sort"
)

// Transport kinds accepted by New.
const (
	KindAnthropic    = "anthropic"
	KindOpenAI       = "openai"
	KindGoogle       = "google"
	KindOpenAICompat = "openai-compat"
	KindMock         = "mock"
)

// Config describes one transport to build.
type Config struct {
	Kind      string
	Name      string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Pricing   Pricing
}

// DefaultMaxTokens is used when Config.MaxTokens is zero.
const DefaultMaxTokens = 1024

// New builds a Transport for cfg.Kind.
func New(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Kind
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	switch cfg.Kind {
	case KindAnthropic:
		return NewAnthropicTransport(AnthropicConfig{
			Name:      cfg.Name,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Pricing:   cfg.Pricing,
		})
	case KindOpenAI:
		return NewOpenAITransport(OpenAIConfig{
			Name:      cfg.Name,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Pricing:   cfg.Pricing,
		})
	case KindGoogle:
		return NewGoogleTransport(ctx, GoogleConfig{
			Name:      cfg.Name,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Pricing:   cfg.Pricing,
		})
	case KindOpenAICompat:
		return NewOpenAICompatTransport(OpenAICompatConfig{
			Name:      cfg.Name,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Pricing:   cfg.Pricing,
		})
	case KindMock:
		m := NewMockTransport(cfg.Name)
		if cfg.Model != "" {
			m.SetModel(cfg.Model)
		}
		m.SetPricing(cfg.Pricing)
		return m, nil
	}

	if _, ok := compatDefaults[cfg.Kind]; ok {
		return NewCompatForKind(cfg.Kind, OpenAICompatConfig{
			Name:      cfg.Name,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Pricing:   cfg.Pricing,
		})
	}
	return nil, fmt.Errorf("unknown provider kind: %q", cfg.Kind)
}

// Kinds returns every kind New accepts, sorted.
func Kinds() []string {
	kinds := []string{KindAnthropic, KindOpenAI, KindGoogle, KindOpenAICompat, KindMock}
	for k := range compatDefaults {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// KnownKind reports whether New accepts kind.
func KnownKind(kind string) bool {
	switch kind {
	case KindAnthropic, KindOpenAI, KindGoogle, KindOpenAICompat, KindMock:
		return true
	}
	_, ok := compatDefaults[kind]
	return ok
}

// RequiresKey reports whether kind needs an API key to be available.
func RequiresKey(kind string) bool {
	switch kind {
	case KindMock, KindOpenAICompat:
		return false
	case KindAnthropic, KindOpenAI, KindGoogle:
		return true
	}
	d, ok := compatDefaults[kind]
	return ok && d.requireKey
}
