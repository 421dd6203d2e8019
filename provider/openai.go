package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAITransport implements Transport using the official OpenAI SDK.
type OpenAITransport struct {
	base
	client *openai.Client
	apiKey string
}

// OpenAIConfig holds configuration for the OpenAI transport.
type OpenAIConfig struct {
	Name      string
	APIKey    string
	BaseURL   string // Optional custom endpoint
	Model     string
	MaxTokens int
	Pricing   Pricing
}

// NewOpenAITransport creates a new OpenAI transport.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for openai")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for openai")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for openai")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAITransport{
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
func (p *OpenAITransport) IsAvailable() bool {
	return p.apiKey != ""
}

// Generate implements Transport.
func (p *OpenAITransport) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(p.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(p.tokens(req))),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	out := &Response{
		Model:        resp.Model,
		Provider:     p.name,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func (p *OpenAITransport) classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &Error{Provider: p.name, Message: "request failed", Cause: err}
	}
	var header http.Header
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	return &Error{
		Provider: p.name,
		Status:   apiErr.StatusCode,
		Code:     apiErr.Code,
		Header:   header,
		Message:  apiErr.Message,
		Cause:    err,
	}
}
