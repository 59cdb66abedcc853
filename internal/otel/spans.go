package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskloom spans.
var (
	AttrTaskID           = attribute.Key("taskloom.task.id")
	AttrConversationKey  = attribute.Key("taskloom.conversation.key")
	AttrWorkerOwner      = attribute.Key("taskloom.worker.owner")
	AttrGuardrailRule    = attribute.Key("taskloom.guardrail.rule")
	AttrApprovalID       = attribute.Key("taskloom.approval.id")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the agent turn
// backend, a notifier provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
