package dispatcher

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Dispatcher, Classifier or SignalRouter. Options that
// do not apply to a component are ignored by it.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	sinks         []Sink
	hooks         hooks
	inspector     Inspector
	discriminator string
	tracer        trace.Tracer
	runID         string
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:        slog.Default(),
		inspector:     JSONInspector(),
		discriminator: DefaultDiscriminatorField,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink adds an outcome sink. Every processed message produces exactly
// one Record on every sink. When no sink is configured the dispatcher logs
// records through its logger.
func WithSink(s Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithInspector sets the inspector used to read discriminators and run
// guards. The default is JSONInspector.
func WithInspector(i Inspector) Option {
	return func(o *options) {
		o.inspector = i
	}
}

// WithDiscriminatorField sets the body field holding the event type.
// The default is "__type".
func WithDiscriminatorField(path string) Option {
	return func(o *options) {
		o.discriminator = path
	}
}

// WithTracerProvider sets the provider per-message spans are created from.
// The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp.Tracer(tracerName)
	}
}

// WithRunID overrides the generated id that tags every record of a run.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}
