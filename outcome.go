package dispatcher

// OutcomeKind is the per-message result of one processing attempt.
type OutcomeKind uint8

const (
	// Delivered means the engine accepted the signal. The message is
	// acknowledged.
	Delivered OutcomeKind = iota + 1

	// Rejected means the message can never be delivered as is. It is
	// acknowledged and dropped.
	Rejected

	// Retryable means delivery may succeed later. The message is left
	// unacknowledged so the stream presents it again.
	Retryable
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Retryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Terminal reports whether messages with this outcome are acknowledged.
func (k OutcomeKind) Terminal() bool {
	return k == Delivered || k == Rejected
}

// Outcome is the result of processing one message.
type Outcome struct {
	Kind OutcomeKind

	// Reason explains Rejected and Retryable outcomes. It is nil for
	// Delivered.
	Reason error

	// Attempts counts signal delivery attempts. It is zero when the message
	// was rejected before delivery.
	Attempts int
}

func rejected(reason error, attempts int) Outcome {
	return Outcome{Kind: Rejected, Reason: reason, Attempts: attempts}
}

func retryable(reason error, attempts int) Outcome {
	return Outcome{Kind: Retryable, Reason: reason, Attempts: attempts}
}
