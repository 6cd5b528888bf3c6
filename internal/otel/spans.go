package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for mayordomo spans.
var (
	AttrChatID  = attribute.Key("mayordomo.chat.id")
	AttrUserID  = attribute.Key("mayordomo.user.id")
	AttrSource  = attribute.Key("mayordomo.source")
	AttrRoute   = attribute.Key("mayordomo.route")
	AttrTaskID  = attribute.Key("mayordomo.task.id")
	AttrVariant = attribute.Key("mayordomo.router.variant")
	AttrCounter = attribute.Key("mayordomo.counter")
	AttrTiming  = attribute.Key("mayordomo.timing")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (bridge or Telegram).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (AI provider, Telegram API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
