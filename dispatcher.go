package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is the phase a dispatch run is in.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateProcessing
	StateAcknowledging
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateAcknowledging:
		return "acknowledging"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BatchResult summarizes one poll-process-acknowledge cycle.
type BatchResult struct {
	// Records holds one record per polled message, in poll order.
	Records []Record

	// Acked lists the ids of messages that reached a terminal outcome.
	Acked []string

	// Unacked lists the ids of retryable messages left for redelivery.
	Unacked []string
}

// Dispatcher runs the dispatch loop: poll a batch, classify and deliver
// every message, then acknowledge the messages that reached a terminal
// outcome.
//
// Usage:
//  1. Build a Registry from event definitions
//  2. Create a Dispatcher with New
//  3. Call Run until the context is cancelled or a fatal error occurs
//
// A Dispatcher owns its stream and engine for the duration of a run. Run
// several Dispatchers with distinct consumer names to share a group.
type Dispatcher struct {
	cfg        Config
	consumer   *Consumer
	classifier *Classifier
	router     *SignalRouter
	opts       *options
	sink       Sink
	runID      string
	state      atomic.Int32
}

// New creates a Dispatcher. The config is validated after defaults are
// applied; an invalid config fails here rather than in a running dispatch.
//
// Example:
//
//	d, err := dispatcher.New(stream, engine, registry, dispatcher.Config{
//	    StreamName:   "tenant-events",
//	    ConsumerName: "dispatcher-1",
//	    MaxMessages:  10,
//	}, dispatcher.WithLogger(logger))
func New(stream Stream, engine Engine, registry *Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	if engine == nil {
		return nil, errors.New("dispatcher: nil engine")
	}
	if registry == nil {
		return nil, errors.New("dispatcher: nil registry")
	}

	cfg = cfg.WithDefaults()
	consumer, err := NewConsumer(stream, cfg)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	d := &Dispatcher{
		cfg:        cfg,
		consumer:   consumer,
		classifier: NewClassifier(registry, opts...),
		router:     NewSignalRouter(registry, engine, PolicyFromConfig(cfg), opts...),
		opts:       o,
		runID:      o.runID,
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}

	switch len(o.sinks) {
	case 0:
		d.sink = LogSink(o.logger)
	case 1:
		d.sink = o.sinks[0]
	default:
		d.sink = MultiSink(o.sinks...)
	}

	return d, nil
}

// RunID returns the id that tags every record of this dispatcher.
func (d *Dispatcher) RunID() string { return d.runID }

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// State returns the current phase.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) { d.state.Store(int32(s)) }

// Run repeats poll-process-acknowledge cycles until ctx is cancelled or a
// fatal error occurs. Cancellation is observed between batches only: a
// batch that has been polled is always processed and acknowledged before
// Run returns. Cancellation returns nil; fatal errors are returned and
// wrap ErrStreamUnavailable or ErrEngineUnavailable.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.setState(StateStopped)

	logger := d.opts.logger.With(
		slog.String("run_id", d.runID),
		slog.String("stream", d.cfg.StreamName),
		slog.String("group", d.cfg.Group),
		slog.String("consumer", d.cfg.ConsumerName),
	)
	logger.InfoContext(ctx, "dispatch run starting", slog.Int("max_messages", d.cfg.MaxMessages), slog.Int("workers", d.cfg.Workers))

	for {
		if ctx.Err() != nil {
			logger.InfoContext(context.WithoutCancel(ctx), "dispatch run stopped")
			return nil
		}

		if _, err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				logger.InfoContext(context.WithoutCancel(ctx), "dispatch run stopped")
				return nil
			}
			logger.ErrorContext(context.WithoutCancel(ctx), "dispatch run failed", slog.String("error", err.Error()))
			return err
		}
	}
}

// RunOnce performs a single poll-process-acknowledge cycle. Per-message
// failures are reported in the result, never as an error. The returned
// error is ctx.Err() when cancelled while polling, or a fatal error; in the
// fatal case the batch is still acknowledged first when the stream allows.
func (d *Dispatcher) RunOnce(ctx context.Context) (BatchResult, error) {
	d.setState(StatePolling)
	var msgs []RawMessage
	for msg, err := range d.consumer.All(ctx) {
		if err != nil {
			return BatchResult{}, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return BatchResult{}, nil
	}

	// In-flight deliveries are never cut short by a stop request; each one
	// is bounded by its own attempt budget instead.
	batchCtx := context.WithoutCancel(ctx)

	d.setState(StateProcessing)
	records := d.processBatch(batchCtx, msgs)

	d.setState(StateAcknowledging)
	res := BatchResult{Records: records}
	var fatal error
	for _, rec := range records {
		if rec.Outcome.Terminal() {
			res.Acked = append(res.Acked, rec.MessageID)
			continue
		}
		res.Unacked = append(res.Unacked, rec.MessageID)
		if fatal == nil && IsFatal(rec.Reason) {
			fatal = rec.Reason
		}
	}

	ackCtx, cancel := context.WithTimeout(batchCtx, d.cfg.AckTimeout)
	defer cancel()
	if err := d.consumer.Ack(ackCtx, res.Acked...); err != nil {
		return res, err
	}
	if len(res.Acked) > 0 {
		d.opts.hooks.callOnAck(batchCtx, res.Acked)
	}

	if fatal != nil {
		return res, fmt.Errorf("dispatch run %s: %w", d.runID, fatal)
	}
	return res, nil
}

// processBatch processes every message concurrently, bounded by Workers,
// and returns once all of them settled.
func (d *Dispatcher) processBatch(ctx context.Context, msgs []RawMessage) []Record {
	records := make([]Record, len(msgs))

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, msg := range msgs {
		g.Go(func() error {
			records[i] = d.process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	return records
}

// process classifies, routes and delivers one message and emits its record.
func (d *Dispatcher) process(ctx context.Context, msg RawMessage) Record {
	start := time.Now()
	ctx, span := d.startSpan(ctx, msg)

	rec := Record{
		RunID:        d.runID,
		MessageID:    msg.ID,
		Redeliveries: msg.Redeliveries,
	}

	outcome := d.dispatch(ctx, msg, &rec)
	rec.Outcome = outcome.Kind
	rec.Reason = outcome.Reason
	rec.Attempt = outcome.Attempts
	rec.Latency = time.Since(start)
	rec.RecordedAt = time.Now().UTC()

	d.sink.Record(ctx, rec)
	endSpan(span, rec)
	return rec
}

func (d *Dispatcher) dispatch(ctx context.Context, msg RawMessage, rec *Record) Outcome {
	evt, err := d.classifier.Classify(msg)
	if err != nil {
		rec.EventType = d.classifier.Discriminator(msg)
		return rejected(err, 0)
	}
	rec.EventType = evt.Type
	ctx = d.opts.hooks.callOnClassify(ctx, msg, evt.Type)

	loc, err := d.router.Route(evt)
	if err != nil {
		return rejected(err, 0)
	}
	rec.Locator = loc

	return d.router.Deliver(ctx, loc, evt.Payload)
}
