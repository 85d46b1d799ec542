package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Consumer polls one consumer group of one stream on behalf of a dispatch
// run. Each Poll is an independent read against the group's current
// position.
type Consumer struct {
	stream Stream
	cfg    Config
}

// NewConsumer creates a Consumer for cfg.
func NewConsumer(stream Stream, cfg Config) (*Consumer, error) {
	if stream == nil {
		return nil, errors.New("dispatcher: nil stream")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Consumer{stream: stream, cfg: cfg}, nil
}

// Poll reads at most MaxMessages messages, waiting up to PollTimeout for
// some to arrive. A timeout yields an empty batch. Errors from the stream
// wrap ErrStreamUnavailable; a cancelled ctx returns ctx.Err().
func (c *Consumer) Poll(ctx context.Context) ([]RawMessage, error) {
	msgs, err := c.stream.Read(ctx, ReadRequest{
		Stream:   c.cfg.StreamName,
		Group:    c.cfg.Group,
		Consumer: c.cfg.ConsumerName,
		Count:    c.cfg.MaxMessages,
		Block:    c.cfg.PollTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s/%s: %w", ErrStreamUnavailable, c.cfg.StreamName, c.cfg.Group, err)
	}

	// Anything past the bound stays unacknowledged and is redelivered.
	if len(msgs) > c.cfg.MaxMessages {
		msgs = msgs[:c.cfg.MaxMessages]
	}
	return msgs, nil
}

// All returns the messages of one poll as a lazy sequence. The poll happens
// when iteration starts; a poll error is yielded once as the last element.
func (c *Consumer) All(ctx context.Context) iter.Seq2[RawMessage, error] {
	return func(yield func(RawMessage, error) bool) {
		msgs, err := c.Poll(ctx)
		if err != nil {
			yield(RawMessage{}, err)
			return
		}
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Ack acknowledges ids to the consumer group. Errors wrap
// ErrStreamUnavailable.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.stream.Ack(ctx, c.cfg.StreamName, c.cfg.Group, ids...); err != nil {
		return fmt.Errorf("%w: ack %d messages on %s/%s: %w", ErrStreamUnavailable, len(ids), c.cfg.StreamName, c.cfg.Group, err)
	}
	return nil
}
