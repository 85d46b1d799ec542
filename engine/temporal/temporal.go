// Package temporal delivers dispatcher signals to Temporal workflow
// executions.
//
// Signals are addressed by workflow id only; the current run of that id
// receives them. Temporal service errors are translated to the dispatcher's
// delivery errors so the retry policy can act on them.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/bjaus/dispatcher"
)

var _ dispatcher.Engine = (*Engine)(nil)

// Client is the subset of client.Client the engine uses.
type Client interface {
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
}

// Engine implements dispatcher.Engine on a Temporal client.
type Engine struct {
	client Client
}

// New creates an Engine. The caller owns the client lifecycle.
func New(c Client) *Engine {
	return &Engine{client: c}
}

// Dial connects to the Temporal frontend at hostPort in namespace, logging
// through logger.
func Dial(hostPort, namespace string, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    log.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher/temporal: dial %s: %w", hostPort, err)
	}
	return c, nil
}

// Signal implements dispatcher.Engine.
func (e *Engine) Signal(ctx context.Context, loc dispatcher.Locator, payload any) error {
	err := e.client.SignalWorkflow(ctx, loc.WorkflowID, "", loc.SignalName, payload)
	if err == nil {
		return nil
	}
	return translate(loc, err)
}

func translate(loc dispatcher.Locator, err error) error {
	var (
		notFound    *serviceerror.NotFound
		deadline    *serviceerror.DeadlineExceeded
		unavailable *serviceerror.Unavailable
	)
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %s: %w", dispatcher.ErrWorkflowNotFound, loc.WorkflowID, err)
	case errors.As(err, &deadline), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", dispatcher.ErrSignalTimeout, loc, err)
	case errors.As(err, &unavailable):
		return fmt.Errorf("%w: %w", dispatcher.ErrEngineUnavailable, err)
	default:
		return fmt.Errorf("dispatcher/temporal: signal %s: %w", loc, err)
	}
}
