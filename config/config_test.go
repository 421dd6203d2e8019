package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/llmdispatch/errors"
)

const minimal = `
[providers.groq]
kind = "groq"
model = "llama-3.1-8b-instant"
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(minimal)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Dispatcher.MaxRequestAge() != 60*time.Second {
		t.Errorf("MaxRequestAge = %v", cfg.Dispatcher.MaxRequestAge())
	}
	if cfg.Dispatcher.RetryBackoff() != time.Second {
		t.Errorf("RetryBackoff = %v", cfg.Dispatcher.RetryBackoff())
	}
	if cfg.Dispatcher.RetryAfter() != time.Minute {
		t.Errorf("RetryAfter = %v", cfg.Dispatcher.RetryAfter())
	}
	if cfg.Dispatcher.DefaultCooldown() != 3*time.Second {
		t.Errorf("DefaultCooldown = %v", cfg.Dispatcher.DefaultCooldown())
	}
	if cfg.Dispatcher.MaxRetries != 3 || cfg.Dispatcher.MaxConsecutiveFailures != 3 {
		t.Errorf("unexpected dispatcher defaults: %+v", cfg.Dispatcher)
	}
	if cfg.Sessions.Timeout() != 30*time.Second || cfg.Sessions.Store != "memory" {
		t.Errorf("unexpected session defaults: %+v", cfg.Sessions)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	p := cfg.Providers["groq"]
	if p.MaxConcurrent != 1 || p.MaxTokens == 0 {
		t.Errorf("unexpected provider defaults: %+v", p)
	}
}

func TestParse_UnknownKeys(t *testing.T) {
	_, err := Parse(minimal + `
max_concurent = 4

[dispatcher]
max_retry = 2
`)
	if err == nil {
		t.Fatal("expected error for unknown keys")
	}
	if !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG, got %v", err)
	}
	for _, key := range []string{"providers.groq.max_concurent", "dispatcher.max_retry"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should name %s: %v", key, err)
		}
	}
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse("[providers.groq\nkind = ")
	if !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no providers",
			content: `[server]` + "\naddr = \":9000\"\n",
			wantErr: "at least one provider",
		},
		{
			name:    "unknown kind",
			content: "[providers.x]\nkind = \"carrier-pigeon\"\n",
			wantErr: "unknown kind",
		},
		{
			name:    "self fallback",
			content: "[providers.x]\nkind = \"mock\"\nfallback_chain = [\"x\"]\n",
			wantErr: "lists itself",
		},
		{
			name:    "unknown fallback",
			content: "[providers.x]\nkind = \"mock\"\nfallback_chain = [\"y\"]\n",
			wantErr: "unknown provider \"y\"",
		},
		{
			name:    "negative rpm",
			content: "[providers.x]\nkind = \"mock\"\nrequests_per_minute = -1\n",
			wantErr: "requests_per_minute",
		},
		{
			name:    "negative concurrency",
			content: "[providers.x]\nkind = \"mock\"\nmax_concurrent = -2\n",
			wantErr: "max_concurrent",
		},
		{
			name:    "fallback without members",
			content: "[providers.x]\nkind = \"fallback\"\n",
			wantErr: "requires members",
		},
		{
			name:    "nested fallback",
			content: "[providers.a]\nkind = \"mock\"\n[providers.b]\nkind = \"fallback\"\nmembers = [\"a\"]\n[providers.c]\nkind = \"fallback\"\nmembers = [\"b\"]\n",
			wantErr: "is itself a fallback",
		},
		{
			name:    "members on plain provider",
			content: "[providers.a]\nkind = \"mock\"\n[providers.b]\nkind = \"mock\"\nmembers = [\"a\"]\n",
			wantErr: "only valid for kind fallback",
		},
		{
			name:    "bad reinsert",
			content: minimal + "[dispatcher]\nreinsert = \"middle\"\n",
			wantErr: "reinsert",
		},
		{
			name:    "bad store",
			content: minimal + "[sessions]\nstore = \"etcd\"\n",
			wantErr: "sessions.store",
		},
		{
			name:    "bad override",
			content: minimal + "[cooldown_overrides]\n\"groq/x\" = 0\n",
			wantErr: "cooldown_overrides",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_NegativeBudgetsDisable(t *testing.T) {
	cfg, err := Parse(minimal + "[dispatcher]\nmax_requeues = -1\nmax_retries = -1\n")
	if err != nil {
		t.Fatalf("negative budgets should be accepted: %v", err)
	}
	if cfg.Dispatcher.MaxRequeues != -1 || cfg.Dispatcher.MaxRetries != -1 {
		t.Errorf("negative budgets should survive defaults: %+v", cfg.Dispatcher)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("MY_GROQ_KEY", "from-custom-env")
	t.Setenv("GROQ_API_KEY", "from-default-env")

	cfg, err := Parse(`
[providers.inline]
kind = "groq"
api_key = "inline-key"

[providers.custom]
kind = "groq"
api_key_env = "MY_GROQ_KEY"

[providers.conventional]
kind = "groq"

[providers.local]
kind = "mock"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := map[string]string{
		"inline":       "inline-key",
		"custom":       "from-custom-env",
		"conventional": "from-default-env",
		"local":        "",
	}
	for name, want := range tests {
		if got := cfg.ResolveAPIKey(name, nil); got != want {
			t.Errorf("ResolveAPIKey(%q) = %q, want %q", name, got, want)
		}
	}

	tc := cfg.TransportConfig("custom", nil)
	if tc.Kind != "groq" || tc.Name != "custom" || tc.APIKey != "from-custom-env" {
		t.Errorf("TransportConfig = %+v", tc)
	}
}

func TestRequestsPerMinute(t *testing.T) {
	cfg, err := Parse(`
[providers.a]
kind = "mock"
requests_per_minute = 30

[providers.b]
kind = "mock"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rpm := cfg.RequestsPerMinute()
	if len(rpm) != 1 || rpm["a"] != 30 {
		t.Errorf("RequestsPerMinute = %v", rpm)
	}
	if names := cfg.ProviderNames(); len(names) != 2 || names[0] != "a" {
		t.Errorf("ProviderNames = %v", names)
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "llmdispatch.example.toml"))
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if len(cfg.Providers) != 4 {
		t.Errorf("expected 4 providers, got %d", len(cfg.Providers))
	}
	if cfg.CooldownOverrides["groq/llama-3.1-8b-instant"] != 30 {
		t.Errorf("override not loaded: %v", cfg.CooldownOverrides)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG, got %v", err)
	}
}
