package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleTransport implements Transport using the Google Gemini SDK.
type GoogleTransport struct {
	base
	client *genai.Client
	apiKey string
}

// GoogleConfig holds configuration for the Google transport.
type GoogleConfig struct {
	Name      string
	APIKey    string
	Model     string
	MaxTokens int
	Pricing   Pricing
}

// NewGoogleTransport creates a new Google Gemini transport.
func NewGoogleTransport(ctx context.Context, cfg GoogleConfig) (*GoogleTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for google")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for google")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for google")
	}
	if cfg.Name == "" {
		cfg.Name = "google"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleTransport{
		base: base{
			name:      cfg.Name,
			model:     cfg.Model,
			maxTokens: cfg.MaxTokens,
			pricing:   cfg.Pricing,
		},
		client: client,
		apiKey: cfg.APIKey,
	}, nil
}

// Close closes the underlying client.
func (p *GoogleTransport) Close() error {
	return p.client.Close()
}

// IsAvailable implements Transport.
func (p *GoogleTransport) IsAvailable() bool {
	return p.apiKey != ""
}

// Generate implements Transport.
//
// A GenerativeModel is built per call because its fields are mutable and
// requests run concurrently.
func (p *GoogleTransport) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := p.client.GenerativeModel(p.model)
	maxTokens := int32(p.tokens(req))
	model.MaxOutputTokens = &maxTokens

	system := req.System
	var history []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	// The last user turn is sent as the prompt; the rest is history.
	var prompt genai.Text
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		if t, ok := history[n-1].Parts[0].(genai.Text); ok {
			prompt = t
		}
		history = history[:n-1]
	}

	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, prompt)
	if err != nil {
		return nil, p.classify(err)
	}

	out := &Response{
		Model:    p.model,
		Provider: p.name,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.StopReason = cand.FinishReason.String()
		if cand.Content != nil {
			var b strings.Builder
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					b.WriteString(string(t))
				}
			}
			out.Text = b.String()
		}
	}
	return out, nil
}

func (p *GoogleTransport) classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		e := &Error{
			Provider: p.name,
			Status:   apiErr.Code,
			Header:   apiErr.Header,
			Message:  apiErr.Message,
			Cause:    err,
		}
		if apiErr.Code == http.StatusTooManyRequests {
			e.Code = "RESOURCE_EXHAUSTED"
		}
		return e
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		e := &Error{
			Provider: p.name,
			Code:     st.Code().String(),
			Message:  st.Message(),
			Cause:    err,
		}
		if st.Code() == codes.ResourceExhausted {
			e.Status = http.StatusTooManyRequests
			e.Code = "RESOURCE_EXHAUSTED"
		}
		return e
	}

	return &Error{Provider: p.name, Message: "request failed", Cause: err}
}
