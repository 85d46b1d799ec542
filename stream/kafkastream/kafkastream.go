// Package kafkastream implements dispatcher.Stream on a Kafka consumer group.
//
// Kafka tracks one committed offset per partition rather than one
// acknowledgment per message. Ack therefore commits the longest run of
// acknowledged offsets at the head of each partition. A message left
// unacknowledged holds back the commit of its partition and is presented
// again by a later Read once RedeliverAfter has passed. Fetching pauses
// while MaxPending messages are uncommitted, so a stuck message bounds the
// consumer's memory and the replay after a rebalance or restart.
package kafkastream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bjaus/dispatcher"
)

var _ dispatcher.Stream = (*Stream)(nil)

// Defaults.
const (
	// DefaultLinger is how long Read waits for each further message once
	// the first one of a batch arrived.
	DefaultLinger = 50 * time.Millisecond

	DefaultRedeliverAfter = 10 * time.Second
	DefaultMaxPending     = 1000
)

// Reader is the subset of *kafka.Reader the stream uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Option configures the Stream.
type Option func(*Stream)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithLinger sets how long Read waits for each message after the first.
func WithLinger(d time.Duration) Option {
	return func(s *Stream) { s.linger = d }
}

// WithRedeliverAfter sets how long an unacknowledged message waits before a
// Read presents it again. Zero presents it on the next Read.
func WithRedeliverAfter(d time.Duration) Option {
	return func(s *Stream) { s.redeliverAfter = d }
}

// WithMaxPending bounds the number of fetched but uncommitted messages. Read
// stops fetching new messages at the bound and only presents redeliveries.
// Zero or less removes the bound.
func WithMaxPending(n int) Option {
	return func(s *Stream) { s.maxPending = n }
}

// Stream implements dispatcher.Stream backed by one Kafka topic.
type Stream struct {
	reader         Reader
	topic          string
	group          string
	brokers        []string
	logger         *slog.Logger
	linger         time.Duration
	redeliverAfter time.Duration
	maxPending     int

	mu      sync.Mutex
	pending map[int]*partition
	count   int
}

type partition struct {
	msgs  []*tracked // fetched, in offset order, not yet committed
	acked map[int64]bool
}

type tracked struct {
	msg           kafka.Message
	deliveries    int
	lastDelivered time.Time
}

// New creates a Stream reading topic as member of group.
func New(brokers []string, topic, group, clientID string, opts ...Option) *Stream {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
		Dialer: &kafka.Dialer{
			ClientID: clientID,
			Timeout:  10 * time.Second,
		},
		StartOffset: kafka.FirstOffset,
	})
	s := NewWithReader(reader, topic, group, opts...)
	s.brokers = brokers
	return s
}

// NewWithReader creates a Stream over an existing reader. The reader must be
// a member of group and consume topic.
func NewWithReader(reader Reader, topic, group string, opts ...Option) *Stream {
	s := &Stream{
		reader:         reader,
		topic:          topic,
		group:          group,
		logger:         slog.Default(),
		linger:         DefaultLinger,
		redeliverAfter: DefaultRedeliverAfter,
		maxPending:     DefaultMaxPending,
		pending:        make(map[int]*partition),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the underlying reader.
func (s *Stream) Close() error {
	return s.reader.Close()
}

// Ping dials the first broker.
func (s *Stream) Ping(ctx context.Context) error {
	if len(s.brokers) == 0 {
		return errors.New("dispatcher/kafka: brokers not configured")
	}
	dialer := kafka.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return fmt.Errorf("dispatcher/kafka: dial %s: %w", s.brokers[0], err)
	}
	return conn.Close()
}

// Read implements dispatcher.Stream. Unacknowledged messages that are due
// for redelivery come first. New messages fill the rest of the batch: Read
// waits up to req.Block for the first one and up to the linger duration for
// each further one.
func (s *Stream) Read(ctx context.Context, req dispatcher.ReadRequest) ([]dispatcher.RawMessage, error) {
	if err := s.check(req.Stream, req.Group); err != nil {
		return nil, err
	}

	batch := s.due(time.Now(), req.Count)
	wait := req.Block
	if len(batch) > 0 {
		wait = s.linger
	}
	for len(batch) < req.Count && !s.full() {
		msg, err := s.fetch(ctx, wait)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(batch) > 0 && ctx.Err() != nil {
				// Fetched messages are tracked and must be returned.
				break
			}
			return nil, fmt.Errorf("dispatcher/kafka: fetch %s: %w", s.topic, err)
		}

		s.track(msg)
		batch = append(batch, toRawMessage(msg, 0))
		wait = s.linger
	}

	if len(batch) == 0 && s.full() {
		s.logger.Debug("fetch paused at pending bound", slog.Int("pending", s.Pending()))
		if !idle(ctx, req.Block) {
			return nil, ctx.Err()
		}
	}
	return batch, nil
}

// due returns up to limit unacknowledged messages whose redelivery delay
// passed, marking them delivered at now.
func (s *Stream) due(now time.Time, limit int) []dispatcher.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]int, 0, len(s.pending))
	for part := range s.pending {
		parts = append(parts, part)
	}
	slices.Sort(parts)

	var batch []dispatcher.RawMessage
	for _, part := range parts {
		p := s.pending[part]
		for _, t := range p.msgs {
			if len(batch) >= limit {
				return batch
			}
			if p.acked[t.msg.Offset] || now.Sub(t.lastDelivered) < s.redeliverAfter {
				continue
			}
			t.deliveries++
			t.lastDelivered = now
			batch = append(batch, toRawMessage(t.msg, t.deliveries-1))
		}
	}
	return batch
}

func (s *Stream) full() bool {
	if s.maxPending <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count >= s.maxPending
}

// idle waits for d or until ctx is done, reporting whether d elapsed.
func idle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Stream) fetch(ctx context.Context, wait time.Duration) (kafka.Message, error) {
	if wait <= 0 {
		return s.reader.FetchMessage(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return s.reader.FetchMessage(ctx)
}

// Ack implements dispatcher.Stream.
func (s *Stream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := s.check(stream, group); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	commits, err := s.advance(ids)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, commits...); err != nil {
		return fmt.Errorf("dispatcher/kafka: commit %s: %w", s.topic, err)
	}
	return nil
}

func (s *Stream) check(stream, group string) error {
	if stream != s.topic {
		return fmt.Errorf("dispatcher/kafka: reader consumes %q, not %q", s.topic, stream)
	}
	if group != s.group {
		return fmt.Errorf("dispatcher/kafka: reader belongs to group %q, not %q", s.group, group)
	}
	return nil
}

func (s *Stream) track(msg kafka.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[msg.Partition]
	if !ok {
		p = &partition{acked: make(map[int64]bool)}
		s.pending[msg.Partition] = p
	}
	p.msgs = append(p.msgs, &tracked{msg: msg, deliveries: 1, lastDelivered: time.Now()})
	s.count++
}

// advance marks ids acknowledged and returns, per partition, the last
// message of the acknowledged prefix.
func (s *Stream) advance(ids []string) ([]kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		part, offset, err := ParseID(id)
		if err != nil {
			return nil, err
		}
		p, ok := s.pending[part]
		if !ok {
			s.logger.Warn("ack for untracked message", slog.String("message_id", id))
			continue
		}
		p.acked[offset] = true
	}

	var commits []kafka.Message
	for part, p := range s.pending {
		n := 0
		for n < len(p.msgs) && p.acked[p.msgs[n].msg.Offset] {
			delete(p.acked, p.msgs[n].msg.Offset)
			n++
		}
		if n == 0 {
			continue
		}
		commits = append(commits, p.msgs[n-1].msg)
		p.msgs = p.msgs[n:]
		s.count -= n
		if len(p.msgs) == 0 {
			delete(s.pending, part)
		}
	}
	return commits, nil
}

// Pending returns the number of fetched messages not yet committed.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// FormatID returns the message id of a partition offset.
func FormatID(partition int, offset int64) string {
	return strconv.Itoa(partition) + "-" + strconv.FormatInt(offset, 10)
}

// ParseID parses a message id produced by FormatID.
func ParseID(id string) (int, int64, error) {
	p, o, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("dispatcher/kafka: malformed message id %q", id)
	}
	part, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, fmt.Errorf("dispatcher/kafka: malformed message id %q: %w", id, err)
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("dispatcher/kafka: malformed message id %q: %w", id, err)
	}
	return part, offset, nil
}

// SplitBrokers splits a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func toRawMessage(msg kafka.Message, redeliveries int) dispatcher.RawMessage {
	raw := dispatcher.RawMessage{
		ID:           FormatID(msg.Partition, msg.Offset),
		Body:         msg.Value,
		DeliveredAt:  msg.Time,
		Redeliveries: redeliveries,
	}
	if len(msg.Headers) > 0 {
		raw.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			raw.Headers[h.Key] = string(h.Value)
		}
	}
	return raw
}
