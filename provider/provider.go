// Package provider defines the transport boundary between the dispatcher
// and upstream text-generation backends, and implements it for the
// supported APIs.
//
// The dispatcher never interprets request or response content. It only
// needs a Transport it can call and an error it can classify.
package provider

import (
	"context"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// MetadataRequestID is the Request.Metadata key that carries the caller's
// request id through to queue entries.
const MetadataRequestID = "request_id"

// Request is an opaque generation request.
type Request struct {
	// System is an optional system prompt.
	System string `json:"system,omitempty"`

	// Messages is the conversation; the last message is usually from the user.
	Messages []Message `json:"messages"`

	// MaxTokens overrides the transport's default output limit when > 0.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Metadata is carried through untouched for callers and tracing.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Prompt is a convenience constructor for a single user message.
func Prompt(text string) *Request {
	return &Request{Messages: []Message{{Role: "user", Content: text}}}
}

// Response is an opaque generation response.
type Response struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// Pricing is the advertised cost per million tokens.
type Pricing struct {
	InputCostPer1M  float64 `json:"input_cost_per_1m"`
	OutputCostPer1M float64 `json:"output_cost_per_1m"`
}

// Transport is implemented once per upstream provider.
//
// Generate errors should implement some of HTTPStatus() int, ErrorCode()
// string and ResponseHeader() http.Header (see Error) so rate limits can be
// recognized and their retry-after honored.
type Transport interface {
	// Generate performs one upstream call. Transports must not retry on
	// their own; the dispatcher owns retry and fallback.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// IsAvailable reports whether the transport is configured to be used.
	IsAvailable() bool

	// ModelName returns the model this transport targets.
	ModelName() string

	// ProviderID returns the provider name.
	ProviderID() string

	// Pricing returns the configured cost.
	Pricing() Pricing
}

// base holds the fields every concrete transport shares.
type base struct {
	name      string
	model     string
	maxTokens int
	pricing   Pricing
}

func (b *base) ModelName() string  { return b.model }
func (b *base) ProviderID() string { return b.name }
func (b *base) Pricing() Pricing   { return b.pricing }

func (b *base) tokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return b.maxTokens
}
