// Package dispatcher moves typed domain events from a durable stream into a
// durable-execution engine as workflow signals.
//
// A dispatch run polls a batch of messages from one consumer group, decodes
// each message into a registered event type, resolves the workflow it is
// addressed to and delivers it as a named signal. Messages that reached a
// final outcome are acknowledged after the whole batch settled; messages
// whose delivery may still succeed are left for the stream to redeliver.
//
// # Quick Start
//
// Declare a payload type and its route rule:
//
//	type DailyTrigger struct {
//	    TenantID id.TenantID `json:"tenantId"`
//	    UnitID   id.UnitID   `json:"unitId"`
//	    Date     string      `json:"date"`
//	}
//
//	func (DailyTrigger) EventType() string { return "DailyTrigger" }
//
//	registry := dispatcher.MustBuild(
//	    dispatcher.Define(func(e DailyTrigger) (dispatcher.Locator, error) {
//	        return dispatcher.Locator{WorkflowID: "unit-cycle/" + e.TenantID.String() + "/" + e.UnitID.String()}, nil
//	    }, dispatcher.WithSignalName("dailyTrigger")),
//	)
//
// Create a dispatcher over a stream and an engine and run it:
//
//	d, err := dispatcher.New(stream, engine, registry, cfg,
//	    dispatcher.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	return d.Run(ctx)
//
// # Components
//
// The pipeline is split into four parts, each usable on its own:
//
//   - Consumer: polls one consumer group and acknowledges message ids
//   - Classifier: reads the "__type" discriminator and decodes the payload
//   - SignalRouter: resolves a Locator and delivers the signal with retries
//   - Dispatcher: runs batches and owns the acknowledgment barrier
//
// # Registry
//
// Event types are declared once at startup. Build rejects duplicate types
// and definitions missing a decoder or a route rule, so a registry that
// built successfully can classify any message it names. Payloads that
// implement Validate() error are validated after decoding.
//
// Definitions can carry a Guard, a cheap shape check run against the raw
// body before decoding:
//
//	dispatcher.Define(route,
//	    dispatcher.WithGuard(dispatcher.All(
//	        dispatcher.RequireFields("tenantId", "unitId"),
//	        dispatcher.FieldPrefix("tenantId", "tenant_"),
//	    )),
//	)
//
// # Outcomes
//
// Every processed message produces exactly one Record with one of three
// outcomes:
//
//   - Delivered: the engine accepted the signal; acknowledged
//   - Rejected: the message can never be delivered as is; acknowledged
//   - Retryable: delivery may succeed later; left unacknowledged
//
// Unknown event types and malformed payloads are rejected. A signal to a
// workflow that does not exist yet is retried with exponential backoff and
// rejected once NotFoundMaxAttempts is reached. Timeouts are retried until
// AttemptTimeout runs out, then reported as retryable.
//
// # Stopping
//
// Cancelling the context passed to Run stops the dispatcher between
// batches. A batch that was polled is always processed and acknowledged
// first. Run returns nil after a cancellation and an error wrapping
// ErrStreamUnavailable or ErrEngineUnavailable when the run could not go
// on.
//
// # Hooks
//
// Hooks observe the pipeline without coupling it to a logging or metrics
// system:
//
//	d, err := dispatcher.New(stream, engine, registry, cfg,
//	    dispatcher.WithOnClassify(func(ctx context.Context, msg dispatcher.RawMessage, typ string) context.Context {
//	        return logx.WithCtx(ctx, slog.String("event_type", typ))
//	    }),
//	    dispatcher.WithOnRetry(func(ctx context.Context, loc dispatcher.Locator, attempt int, err error, d time.Duration) {
//	        metrics.Incr("dispatch.retry", "signal:"+loc.SignalName)
//	    }),
//	)
//
// Outcome records go to the configured Sinks. Without one the dispatcher
// logs them.
//
// # Thread Safety
//
// Registry, Classifier and SignalRouter are safe for concurrent use.
// A Dispatcher processes the messages of a batch concurrently, bounded by
// Config.Workers; Run must not be called concurrently on one Dispatcher.
package dispatcher
