package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds signal delivery. See Config for the meaning of each
// field.
type RetryPolicy struct {
	DeliveryTimeout     time.Duration
	AttemptTimeout      time.Duration
	NotFoundMaxAttempts int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
}

// PolicyFromConfig extracts the retry policy of cfg.
func PolicyFromConfig(cfg Config) RetryPolicy {
	cfg = cfg.WithDefaults()
	return RetryPolicy{
		DeliveryTimeout:     cfg.DeliveryTimeout,
		AttemptTimeout:      cfg.AttemptTimeout,
		NotFoundMaxAttempts: cfg.NotFoundMaxAttempts,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
	}
}

// SignalRouter resolves typed events to workflow locators and delivers
// signals to the engine.
//
// Delivery policy:
//   - ErrWorkflowNotFound is retried with exponential backoff up to
//     NotFoundMaxAttempts attempts, then Rejected with
//     ErrRetryBudgetExhausted; the workflow may not have started yet. The
//     outcome is also Rejected when AttemptTimeout runs out after the
//     workflow was reported missing at least once.
//   - ErrSignalTimeout is retried until AttemptTimeout runs out, then
//     Retryable.
//   - ErrEngineUnavailable is Retryable immediately and fatal for the run.
//   - Any other engine error is Retryable immediately.
type SignalRouter struct {
	registry *Registry
	engine   Engine
	policy   RetryPolicy
	hooks    hooks
}

// NewSignalRouter creates a SignalRouter. Zero policy fields take their
// DefaultConfig values, and NotFoundMaxAttempts is raised to allow at least
// one retry. It honors the delivery hooks WithOnDeliver and WithOnRetry.
func NewSignalRouter(registry *Registry, engine Engine, policy RetryPolicy, opts ...Option) *SignalRouter {
	o := newOptions(opts)
	return &SignalRouter{
		registry: registry,
		engine:   engine,
		policy:   policy.normalize(),
		hooks:    o.hooks,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := PolicyFromConfig(DefaultConfig())
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = def.DeliveryTimeout
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	if p.NotFoundMaxAttempts == 0 {
		p.NotFoundMaxAttempts = def.NotFoundMaxAttempts
	}
	if p.NotFoundMaxAttempts < 2 {
		p.NotFoundMaxAttempts = 2
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = def.BackoffInitial
	}
	if p.BackoffMax < p.BackoffInitial {
		p.BackoffMax = p.BackoffInitial
	}
	return p
}

// Route applies the event's route rule. It is a pure function of the event.
// Errors wrap ErrUnknownEventType or ErrUnroutable.
func (r *SignalRouter) Route(evt TypedEvent) (Locator, error) {
	def, ok := r.registry.Lookup(evt.Type)
	if !ok {
		return Locator{}, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}

	loc, err := def.route(evt.Payload)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %s: %w", ErrUnroutable, evt.Type, err)
	}
	if loc.SignalName == "" {
		loc.SignalName = def.signal
	}
	if loc.WorkflowID == "" {
		return Locator{}, fmt.Errorf("%w: %s: empty workflow id", ErrUnroutable, evt.Type)
	}
	return loc, nil
}

// Deliver signals loc with payload under the router's retry policy. It
// blocks until the signal is accepted, the policy gives up, or the attempt
// budget runs out. Cancelling ctx ends delivery with a Retryable outcome.
func (r *SignalRouter) Deliver(ctx context.Context, loc Locator, payload any) Outcome {
	ctx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	b := r.newBackOff()
	notFound := 0

	for attempt := 1; ; attempt++ {
		r.hooks.callOnDeliver(ctx, loc, attempt)

		err := r.signal(ctx, loc, payload)
		if err == nil {
			return Outcome{Kind: Delivered, Attempts: attempt}
		}

		switch {
		case errors.Is(err, ErrEngineUnavailable):
			return retryable(err, attempt)
		case errors.Is(err, ErrWorkflowNotFound):
			notFound++
			if notFound >= r.policy.NotFoundMaxAttempts {
				return rejected(fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, attempt, err), attempt)
			}
		case errors.Is(err, ErrSignalTimeout):
		default:
			return retryable(err, attempt)
		}

		delay := b.NextBackOff()
		r.hooks.callOnRetry(ctx, loc, attempt, err, delay)
		if !sleep(ctx, delay) {
			spent := fmt.Errorf("delivery budget %s spent after %d attempts: %w", r.policy.AttemptTimeout, attempt, err)
			// A workflow that was missing when the budget ran out would
			// restart its not-found count on every redelivery.
			if notFound > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return rejected(fmt.Errorf("%w: %w: %w", ErrRetryBudgetExhausted, ErrWorkflowNotFound, spent), attempt)
			}
			return retryable(spent, attempt)
		}
	}
}

// signal makes one engine call bounded by DeliveryTimeout. A call that ran
// out of time is reported as ErrSignalTimeout whatever the engine returned.
func (r *SignalRouter) signal(ctx context.Context, loc Locator, payload any) error {
	callCtx, cancel := context.WithTimeout(ctx, r.policy.DeliveryTimeout)
	defer cancel()

	err := r.engine.Signal(callCtx, loc, payload)
	if err == nil || errors.Is(err, ErrSignalTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrSignalTimeout, loc, err)
	}
	return err
}

func (r *SignalRouter) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BackoffInitial
	b.MaxInterval = r.policy.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	// The attempt budget is enforced by the context deadline.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
