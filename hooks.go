package dispatcher

import (
	"context"
	"time"
)

// OnClassifyFunc is called after a message is classified. Use it to enrich
// the context with logging fields. The returned context is used for routing
// and delivery of that message.
type OnClassifyFunc func(ctx context.Context, msg RawMessage, eventType string) context.Context

// OnDeliverFunc is called before each signal delivery attempt.
type OnDeliverFunc func(ctx context.Context, loc Locator, attempt int)

// OnRetryFunc is called when a delivery attempt failed and another one is
// scheduled after delay.
type OnRetryFunc func(ctx context.Context, loc Locator, attempt int, err error, delay time.Duration)

// OnAckFunc is called after a batch's terminal messages were acknowledged.
type OnAckFunc func(ctx context.Context, ids []string)

// hooks holds all configured hook functions.
type hooks struct {
	onClassify []OnClassifyFunc
	onDeliver  []OnDeliverFunc
	onRetry    []OnRetryFunc
	onAck      []OnAckFunc
}

// WithOnClassify adds a hook called after a message is classified.
// Multiple hooks are called in order, with context chaining through each.
//
// Example:
//
//	dispatcher.WithOnClassify(func(ctx context.Context, msg dispatcher.RawMessage, typ string) context.Context {
//	    return logx.WithCtx(ctx, slog.String("event_type", typ))
//	})
func WithOnClassify(fn OnClassifyFunc) Option {
	return func(o *options) {
		o.hooks.onClassify = append(o.hooks.onClassify, fn)
	}
}

// WithOnDeliver adds a hook called before each delivery attempt.
// Multiple hooks are called in order.
func WithOnDeliver(fn OnDeliverFunc) Option {
	return func(o *options) {
		o.hooks.onDeliver = append(o.hooks.onDeliver, fn)
	}
}

// WithOnRetry adds a hook called when a delivery is retried.
// Multiple hooks are called in order.
//
// Example:
//
//	dispatcher.WithOnRetry(func(ctx context.Context, loc dispatcher.Locator, attempt int, err error, d time.Duration) {
//	    metrics.Incr("dispatch.retry", "signal:"+loc.SignalName)
//	})
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) {
		o.hooks.onRetry = append(o.hooks.onRetry, fn)
	}
}

// WithOnAck adds a hook called after acknowledgment.
// Multiple hooks are called in order.
func WithOnAck(fn OnAckFunc) Option {
	return func(o *options) {
		o.hooks.onAck = append(o.hooks.onAck, fn)
	}
}

func (h *hooks) callOnClassify(ctx context.Context, msg RawMessage, eventType string) context.Context {
	for _, fn := range h.onClassify {
		ctx = fn(ctx, msg, eventType)
	}
	return ctx
}

func (h *hooks) callOnDeliver(ctx context.Context, loc Locator, attempt int) {
	for _, fn := range h.onDeliver {
		fn(ctx, loc, attempt)
	}
}

func (h *hooks) callOnRetry(ctx context.Context, loc Locator, attempt int, err error, delay time.Duration) {
	for _, fn := range h.onRetry {
		fn(ctx, loc, attempt, err, delay)
	}
}

func (h *hooks) callOnAck(ctx context.Context, ids []string) {
	for _, fn := range h.onAck {
		fn(ctx, ids)
	}
}
