package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicTransport implements Transport using the official Anthropic SDK.
type AnthropicTransport struct {
	base
	client *anthropic.Client
	apiKey string
}

// AnthropicConfig holds configuration for the Anthropic transport.
type AnthropicConfig struct {
	Name      string
	APIKey    string
	BaseURL   string // Optional custom endpoint
	Model     string
	MaxTokens int
	Pricing   Pricing
}

// NewAnthropicTransport creates a new Anthropic transport.
func NewAnthropicTransport(cfg AnthropicConfig) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for anthropic")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for anthropic")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for anthropic")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicTransport{
		base: base{
			name:      cfg.Name,
			model:     cfg.Model,
			maxTokens: cfg.MaxTokens,
			pricing:   cfg.Pricing,
		},
		client: &client,
		apiKey: cfg.APIKey,
	}, nil
}

// IsAvailable implements Transport.
func (p *AnthropicTransport) IsAvailable() bool {
	return p.apiKey != ""
}

// Generate implements Transport.
func (p *AnthropicTransport) Generate(ctx context.Context, req *Request) (*Response, error) {
	system := req.System
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.tokens(req)),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	out := &Response{
		Model:        string(resp.Model),
		Provider:     p.name,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		StopReason:   string(resp.StopReason),
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}
	return out, nil
}

func (p *AnthropicTransport) classify(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &Error{Provider: p.name, Message: "request failed", Cause: err}
	}
	var header http.Header
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	e := &Error{
		Provider: p.name,
		Status:   apiErr.StatusCode,
		Header:   header,
		Message:  "anthropic request failed",
		Cause:    err,
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		e.Code = "rate_limit_error"
	}
	return e
}
