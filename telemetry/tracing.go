// Package telemetry provides OpenTelemetry tracing for dispatch and
// transport calls.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with dispatcher-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include prompt and response text in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Transport Spans ---

// TransportSpanOptions contains options for transport call spans.
type TransportSpanOptions struct {
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	Prompt    string // Only included if debug=true
	Response  string // Only included if debug=true
}

// StartTransportSpan starts a span for one upstream call.
func (t *Tracer) StartTransportSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "transport.generate", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("llm.provider", provider))
	return ctx, span
}

// EndTransportSpan ends a transport span with attributes.
func (t *Tracer) EndTransportSpan(span trace.Span, opts TransportSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.model", opts.Model),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	}

	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}

	span.SetAttributes(attrs...)
	end(span, err)
}

// --- Dispatch Spans ---

// DispatchSpanOptions contains options for dispatch attempt spans.
type DispatchSpanOptions struct {
	Provider string
	Tenant   string
	Attempt  int
	Outcome  string // ok, rate_limited, fallback, expired, exhausted, error
	ServedBy string
}

// StartDispatchSpan starts a span for one execute attempt against a provider.
func (t *Tracer) StartDispatchSpan(ctx context.Context, provider string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("dispatch.provider", provider),
		attribute.Int("dispatch.attempt", attempt),
	)
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with attributes.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("dispatch.outcome", opts.Outcome),
	}
	if opts.Tenant != "" {
		attrs = append(attrs, attribute.String("dispatch.tenant", opts.Tenant))
	}
	if opts.ServedBy != "" {
		attrs = append(attrs, attribute.String("dispatch.served_by", opts.ServedBy))
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

// QueueEvent records a queue state change on the span in ctx, if any.
func QueueEvent(ctx context.Context, name string, kv ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(kv...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
