package dispatcher

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bjaus/dispatcher"

// startSpan opens the per-message span, continuing any trace context the
// producer left in the message headers.
func (d *Dispatcher) startSpan(ctx context.Context, msg RawMessage) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	return d.opts.tracer.Start(ctx, "dispatcher.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.cfg.StreamName),
			attribute.String("messaging.consumer.group.name", d.cfg.Group),
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.redeliveries", msg.Redeliveries),
		),
	)
}

func endSpan(span trace.Span, rec Record) {
	span.SetAttributes(
		attribute.String("dispatcher.event_type", rec.EventType),
		attribute.String("dispatcher.outcome", rec.Outcome.String()),
		attribute.Int("dispatcher.attempt", rec.Attempt),
	)
	if rec.Locator.WorkflowID != "" {
		span.SetAttributes(
			attribute.String("dispatcher.workflow_id", rec.Locator.WorkflowID),
			attribute.String("dispatcher.signal", rec.Locator.SignalName),
		)
	}
	if rec.Reason != nil {
		span.RecordError(rec.Reason)
		span.SetStatus(codes.Error, rec.Outcome.String())
	}
	span.End()
}
