// Package redisstream implements dispatcher.Stream on Redis Streams consumer
// groups.
//
// New entries are read with XREADGROUP. Entries another consumer read but
// never acknowledged are reclaimed with XAUTOCLAIM once they have been idle
// for MinIdle, which is how unacknowledged (retryable) messages are
// presented again. Entries delivered more than MaxDeliveries times are moved
// to a dead-letter stream and acknowledged.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	stream := redisstream.New(client, redisstream.WithMinIdle(cfg.BatchBudget()+time.Minute))
//	d, err := dispatcher.New(stream, engine, registry, cfg)
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bjaus/dispatcher"
)

var _ dispatcher.Stream = (*Stream)(nil)

// Defaults.
const (
	DefaultMinIdle          = 5 * time.Minute
	DefaultMaxDeliveries    = 10
	DefaultBodyField        = "data"
	DefaultDeadLetterSuffix = ":dead"
)

// Client is the subset of redis.Cmdable the stream uses.
type Client interface {
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Option configures the Stream.
type Option func(*Stream)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithMinIdle sets how long an entry must stay unacknowledged before it is
// reclaimed. It must exceed the dispatcher's Config.BatchBudget, otherwise a
// peer can claim an entry that is still being delivered. Zero disables
// reclaiming.
func WithMinIdle(d time.Duration) Option {
	return func(s *Stream) { s.minIdle = d }
}

// WithMaxDeliveries sets how many times an entry is delivered before it is
// dead-lettered. Zero disables dead-lettering.
func WithMaxDeliveries(n int) Option {
	return func(s *Stream) { s.maxDeliveries = n }
}

// WithBodyField sets the entry field holding the message body.
func WithBodyField(field string) Option {
	return func(s *Stream) { s.bodyField = field }
}

// WithDeadLetterSuffix sets the suffix appended to a stream name to form its
// dead-letter stream.
func WithDeadLetterSuffix(suffix string) Option {
	return func(s *Stream) { s.deadSuffix = suffix }
}

// Stream implements dispatcher.Stream backed by Redis.
type Stream struct {
	client        Client
	logger        *slog.Logger
	minIdle       time.Duration
	maxDeliveries int
	bodyField     string
	deadSuffix    string

	groups sync.Map // "stream\x00group" -> struct{}
}

// New creates a new Redis-backed stream. The caller owns the Redis client
// lifecycle.
func New(client Client, opts ...Option) *Stream {
	s := &Stream{
		client:        client,
		logger:        slog.Default(),
		minIdle:       DefaultMinIdle,
		maxDeliveries: DefaultMaxDeliveries,
		bodyField:     DefaultBodyField,
		deadSuffix:    DefaultDeadLetterSuffix,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Read implements dispatcher.Stream. Reclaimed entries come first; new
// entries fill the rest of the batch. The call only blocks when nothing was
// reclaimed.
func (s *Stream) Read(ctx context.Context, req dispatcher.ReadRequest) ([]dispatcher.RawMessage, error) {
	if err := s.ensureGroup(ctx, req.Stream, req.Group); err != nil {
		return nil, err
	}

	batch, err := s.reclaim(ctx, req)
	if err != nil {
		return nil, err
	}

	remaining := req.Count - len(batch)
	if remaining <= 0 {
		return batch, nil
	}

	block := req.Block
	if block <= 0 || len(batch) > 0 {
		block = -1
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  []string{req.Stream, ">"},
		Count:    int64(remaining),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return batch, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatcher/redis: xreadgroup %s: %w", req.Stream, err)
	}

	for _, st := range streams {
		for _, msg := range st.Messages {
			batch = append(batch, s.toRawMessage(msg, 0))
		}
	}
	return batch, nil
}

// Ack implements dispatcher.Stream.
func (s *Stream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("dispatcher/redis: xack %s: %w", stream, err)
	}
	return nil
}

// DeadLetterStream returns the name of the dead-letter stream of stream.
func (s *Stream) DeadLetterStream(stream string) string {
	return stream + s.deadSuffix
}

func (s *Stream) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "\x00" + group
	if _, ok := s.groups.Load(key); ok {
		return nil
	}

	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("dispatcher/redis: create group %s on %s: %w", group, stream, err)
	}
	s.groups.Store(key, struct{}{})
	return nil
}

// reclaim takes over entries that stayed pending for at least minIdle.
func (s *Stream) reclaim(ctx context.Context, req dispatcher.ReadRequest) ([]dispatcher.RawMessage, error) {
	if s.minIdle <= 0 || req.Count <= 0 {
		return nil, nil
	}

	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   req.Stream,
		Group:    req.Group,
		Consumer: req.Consumer,
		MinIdle:  s.minIdle,
		Start:    "0-0",
		Count:    int64(req.Count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatcher/redis: xautoclaim %s: %w", req.Stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts, err := s.deliveryCounts(ctx, req, msgs)
	if err != nil {
		return nil, err
	}

	batch := make([]dispatcher.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		deliveries, ok := counts[msg.ID]
		if !ok {
			// Claimed entries were delivered at least twice.
			deliveries = 2
		}
		if s.maxDeliveries > 0 && deliveries > int64(s.maxDeliveries) {
			if err := s.deadLetter(ctx, req, msg, deliveries); err != nil {
				return nil, err
			}
			continue
		}
		batch = append(batch, s.toRawMessage(msg, int(deliveries-1)))
	}
	return batch, nil
}

func (s *Stream) deliveryCounts(ctx context.Context, req dispatcher.ReadRequest, msgs []redis.XMessage) (map[string]int64, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   req.Stream,
		Group:    req.Group,
		Consumer: req.Consumer,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("dispatcher/redis: xpending %s: %w", req.Stream, err)
	}

	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

func (s *Stream) deadLetter(ctx context.Context, req dispatcher.ReadRequest, msg redis.XMessage, deliveries int64) error {
	dead := s.DeadLetterStream(req.Stream)

	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["dead_source_id"] = msg.ID
	values["dead_group"] = req.Group
	values["dead_deliveries"] = deliveries

	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: dead, Values: values}).Err(); err != nil {
		return fmt.Errorf("dispatcher/redis: dead-letter %s to %s: %w", msg.ID, dead, err)
	}
	if err := s.client.XAck(ctx, req.Stream, req.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("dispatcher/redis: xack dead-lettered %s: %w", msg.ID, err)
	}

	s.logger.WarnContext(ctx, "message dead-lettered",
		slog.String("stream", req.Stream),
		slog.String("group", req.Group),
		slog.String("message_id", msg.ID),
		slog.Int64("deliveries", deliveries),
		slog.String("dead_letter_stream", dead),
	)
	return nil
}

// toRawMessage converts an entry. The body field becomes the body and every
// other string field a header. Entries without a body field are encoded
// whole as a JSON object.
func (s *Stream) toRawMessage(msg redis.XMessage, redeliveries int) dispatcher.RawMessage {
	raw := dispatcher.RawMessage{
		ID:           msg.ID,
		DeliveredAt:  entryTime(msg.ID),
		Redeliveries: redeliveries,
	}

	body, hasBody := msg.Values[s.bodyField].(string)
	if hasBody {
		raw.Body = []byte(body)
	} else {
		//nolint:errcheck // map of redis values always encodes
		raw.Body, _ = json.Marshal(msg.Values)
	}

	for k, v := range msg.Values {
		if hasBody && k == s.bodyField {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		if raw.Headers == nil {
			raw.Headers = make(map[string]string, len(msg.Values))
		}
		raw.Headers[k] = str
	}
	return raw
}

// entryTime returns the time encoded in the millisecond part of an entry id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
