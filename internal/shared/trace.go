package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type chatIDKey struct{}
type sourceKey struct{}
type reinjectDepthKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChatID attaches the owning chat id to the context.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatID extracts the chat id from context. Returns 0 if absent.
func ChatID(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithSource attaches the ingress source tag ("telegram", "bridge",
// "scheduler", ...) to the context.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// Source extracts the ingress source tag from context. Returns "" if absent.
func Source(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok {
		return v
	}
	return ""
}

// WithReinjectDepth attaches the scheduler reinjection depth to the context.
// Reinjected natural-intent tasks carry depth+1 so the pipeline can bound
// recursion.
func WithReinjectDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, reinjectDepthKey{}, depth)
}

// ReinjectDepth extracts the reinjection depth (0 if absent).
func ReinjectDepth(ctx context.Context) int {
	if v, ok := ctx.Value(reinjectDepthKey{}).(int); ok {
		return v
	}
	return 0
}
