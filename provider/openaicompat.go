package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/llmdispatch/telemetry"
)

// Provider-specific base URLs
const (
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	CerebrasBaseURL   = "https://api.cerebras.ai/v1"
	MistralBaseURL    = "https://api.mistral.ai/v1"
	XAIBaseURL        = "https://api.x.ai/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OllamaLocalURL    = "http://localhost:11434/v1"
	LMStudioLocalURL  = "http://localhost:1234/v1"
)

// OpenAICompatTransport speaks the OpenAI chat completions wire format over
// plain HTTP. It serves Groq, Cerebras, Mistral, xAI, OpenRouter, and local
// Ollama or LMStudio servers.
type OpenAICompatTransport struct {
	base
	apiKey     string
	baseURL    string
	requireKey bool
	client     *http.Client
}

// OpenAICompatConfig holds configuration for OpenAI-compatible transports.
type OpenAICompatConfig struct {
	Name       string // provider name used in errors, logs and stats
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	Pricing    Pricing
	RequireKey bool // false for local servers
	HTTPClient *http.Client
}

// NewOpenAICompatTransport creates a new OpenAI-compatible transport.
func NewOpenAICompatTransport(cfg OpenAICompatConfig) (*OpenAICompatTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required for openai-compatible provider")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai-compat"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	return &OpenAICompatTransport{
		base: base{
			name:      cfg.Name,
			model:     cfg.Model,
			maxTokens: cfg.MaxTokens,
			pricing:   cfg.Pricing,
		},
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		requireKey: cfg.RequireKey,
		client:     client,
	}, nil
}

// IsAvailable reports whether the transport has the credentials it needs.
func (p *OpenAICompatTransport) IsAvailable() bool {
	return !p.requireKey || p.apiKey != ""
}

// OpenAI-compatible request/response types

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate implements Transport.
func (p *OpenAICompatTransport) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, oaiMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(oaiRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: p.tokens(req),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: "request failed", Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Provider: p.name, Status: httpResp.StatusCode, Message: "failed to read response", Cause: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, errorFromResponse(p.name, httpResp.StatusCode, httpResp.Header, respBody)
	}

	var resp oaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%s: failed to parse response: %w", p.name, err)
	}

	out := &Response{
		Model:        resp.Model,
		Provider:     p.name,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = p.model
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.StopReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

// compatDefaults maps kinds to base URLs and whether they need a key.
var compatDefaults = map[string]struct {
	url        string
	requireKey bool
}{
	"groq":       {GroqBaseURL, true},
	"cerebras":   {CerebrasBaseURL, true},
	"mistral":    {MistralBaseURL, true},
	"xai":        {XAIBaseURL, true},
	"openrouter": {OpenRouterBaseURL, true},
	"ollama":     {OllamaLocalURL, false},
	"lmstudio":   {LMStudioLocalURL, false},
}

// NewCompatForKind creates an OpenAI-compatible transport with the default
// base URL for kind. cfg.BaseURL, when set, wins.
func NewCompatForKind(kind string, cfg OpenAICompatConfig) (*OpenAICompatTransport, error) {
	d, ok := compatDefaults[kind]
	if !ok {
		return nil, fmt.Errorf("no openai-compatible defaults for kind %q", kind)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.url
	}
	if cfg.Name == "" {
		cfg.Name = kind
	}
	cfg.RequireKey = d.requireKey
	return NewOpenAICompatTransport(cfg)
}
