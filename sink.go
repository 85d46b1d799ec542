package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

// Record is the observability record emitted for every processed message.
type Record struct {
	RunID        string
	MessageID    string
	EventType    string
	Outcome      OutcomeKind
	Reason       error
	Attempt      int
	Redeliveries int
	Latency      time.Duration
	Locator      Locator
	RecordedAt   time.Time
}

// ReasonText returns the reason as a string, or "" for delivered records.
func (r Record) ReasonText() string {
	if r.Reason == nil {
		return ""
	}
	return r.Reason.Error()
}

// Sink receives outcome records. Record is called concurrently from batch
// workers and must not block for long.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record)

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, rec Record) { f(ctx, rec) }

// LogSink returns a Sink that writes records to logger. Delivered records
// are logged at info, retryable at warn and rejected at error.
func LogSink(logger *slog.Logger) Sink {
	return logSink{logger: logger}
}

type logSink struct {
	logger *slog.Logger
}

func (s logSink) Record(ctx context.Context, rec Record) {
	level := slog.LevelInfo
	switch rec.Outcome {
	case Retryable:
		level = slog.LevelWarn
	case Rejected:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("run_id", rec.RunID),
		slog.String("message_id", rec.MessageID),
		slog.String("event_type", rec.EventType),
		slog.String("outcome", rec.Outcome.String()),
		slog.Int("attempt", rec.Attempt),
		slog.Int("redeliveries", rec.Redeliveries),
		slog.Duration("latency", rec.Latency),
	}
	if rec.Locator.WorkflowID != "" {
		attrs = append(attrs,
			slog.String("workflow_id", rec.Locator.WorkflowID),
			slog.String("signal", rec.Locator.SignalName),
		)
	}
	if rec.Reason != nil {
		attrs = append(attrs, slog.String("reason", rec.Reason.Error()))
	}
	s.logger.LogAttrs(ctx, level, "message processed", attrs...)
}

// MultiSink fans records out to several sinks in order.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Record(ctx context.Context, rec Record) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}
