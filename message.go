package dispatcher

import (
	"context"
	"time"
)

// Event is implemented by every payload type that can be registered.
// EventType returns the discriminator value the payload is published under
// and must not depend on the receiver's fields:
//
//	type DailyTrigger struct {
//	    TenantID id.TenantID `json:"tenantId"`
//	}
//
//	func (DailyTrigger) EventType() string { return "DailyTrigger" }
type Event interface {
	EventType() string
}

// RawMessage is a message as read from the stream. The dispatcher never
// mutates it.
type RawMessage struct {
	// ID is the stream-assigned message id used for acknowledgment.
	ID string

	// Body is the message payload, normally a JSON object carrying the
	// discriminator field.
	Body []byte

	// DeliveredAt is the time the stream recorded the message.
	DeliveredAt time.Time

	// Redeliveries counts how many times the stream presented this message
	// before. It is reported for observability only.
	Redeliveries int

	// Headers carries transport metadata such as trace context.
	Headers map[string]string
}

// TypedEvent is a classified message.
type TypedEvent struct {
	Type    string
	Payload Event
	Source  RawMessage
}

// Locator identifies one signal channel on one workflow execution. It is a
// lookup key only; the target is resolved by the engine at delivery time.
type Locator struct {
	WorkflowID string
	SignalName string
}

func (l Locator) String() string {
	return l.WorkflowID + "#" + l.SignalName
}

// ReadRequest describes one poll against a stream consumer group.
type ReadRequest struct {
	Stream   string
	Group    string
	Consumer string
	Count    int
	Block    time.Duration
}

// Stream is the durable log service messages are consumed from.
//
// Read returns at most req.Count messages and blocks up to req.Block when
// none are available, returning an empty slice on timeout. Messages that are
// never acknowledged are presented again by the service's own redelivery
// mechanism.
type Stream interface {
	Read(ctx context.Context, req ReadRequest) ([]RawMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Engine is the durable-execution engine signals are delivered to.
//
// Signal returns nil once the engine has accepted the signal. Errors should
// wrap ErrWorkflowNotFound when no execution exists for the workflow id,
// ErrSignalTimeout when the engine did not answer in time and
// ErrEngineUnavailable when the engine cannot be reached at all.
type Engine interface {
	Signal(ctx context.Context, loc Locator, payload any) error
}
