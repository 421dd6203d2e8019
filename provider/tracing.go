package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/llmdispatch/telemetry"
)

// TracingTransport wraps a Transport with OpenTelemetry tracing.
type TracingTransport struct {
	Transport
	tracer *telemetry.Tracer
}

// WithTracing wraps t so every Generate call records a transport span.
// A nil tracer resolves the global tracer at call time.
func WithTracing(t Transport, tracer *telemetry.Tracer) Transport {
	return &TracingTransport{Transport: t, tracer: tracer}
}

// Unwrap returns the wrapped transport.
func (tt *TracingTransport) Unwrap() Transport { return tt.Transport }

// Generate implements Transport with tracing.
func (tt *TracingTransport) Generate(ctx context.Context, req *Request) (*Response, error) {
	tracer := tt.tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	ctx, span := tracer.StartTransportSpan(ctx, tt.ProviderID())

	resp, err := tt.Transport.Generate(ctx, req)

	opts := telemetry.TransportSpanOptions{
		Provider: tt.ProviderID(),
		Model:    tt.ModelName(),
	}
	if resp != nil {
		if resp.Model != "" {
			opts.Model = resp.Model
		}
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.Response = resp.Text
	}

	// Prompt text is only recorded in debug mode
	if tracer.Debug() {
		var parts []string
		if req.System != "" {
			parts = append(parts, "[system] "+req.System)
		}
		for _, msg := range req.Messages {
			parts = append(parts, fmt.Sprintf("[%s] %s", msg.Role, msg.Content))
		}
		opts.Prompt = strings.Join(parts, "\n")
	}

	tracer.EndTransportSpan(span, opts, err)

	return resp, err
}
