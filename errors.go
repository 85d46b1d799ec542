package dispatcher

import "errors"

var (
	// Startup errors.
	ErrDuplicateEventType = errors.New("dispatcher: duplicate event type")
	ErrInvalidDefinition  = errors.New("dispatcher: invalid event definition")
	ErrInvalidConfig      = errors.New("dispatcher: invalid config")

	// Classification errors. Both are terminal: the message is acknowledged
	// and dropped after an outcome record is emitted.
	ErrUnknownEventType = errors.New("dispatcher: unknown event type")
	ErrMalformedPayload = errors.New("dispatcher: malformed payload")

	// Routing and delivery errors.
	ErrUnroutable           = errors.New("dispatcher: event cannot be routed")
	ErrWorkflowNotFound     = errors.New("dispatcher: workflow not found")
	ErrSignalTimeout        = errors.New("dispatcher: signal delivery timed out")
	ErrRetryBudgetExhausted = errors.New("dispatcher: retry budget exhausted")

	// Run-level errors. A dispatch run stops when it sees one of these.
	ErrStreamUnavailable = errors.New("dispatcher: stream unavailable")
	ErrEngineUnavailable = errors.New("dispatcher: execution engine unavailable")
)

// IsFatal reports whether err stops a dispatch run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStreamUnavailable) || errors.Is(err, ErrEngineUnavailable)
}

// classifyError ties a classification failure to the discriminator value
// that was seen (empty when none could be read).
type classifyError struct {
	kind      error
	eventType string
	err       error
}

func (e *classifyError) Error() string {
	msg := e.kind.Error()
	if e.eventType != "" {
		msg += " " + e.eventType
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *classifyError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}
