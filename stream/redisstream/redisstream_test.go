package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/bjaus/dispatcher"
)

type fakeClient struct {
	groupErr  error
	groups    int
	streams   []redis.XStream
	readErr   error
	readArgs  []*redis.XReadGroupArgs
	claimed   []redis.XMessage
	pending   []redis.XPendingExt
	acked     []string
	added     []*redis.XAddArgs
	claimArgs *redis.XAutoClaimArgs
}

func (f *fakeClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.readArgs = append(f.readArgs, a)
	cmd := redis.NewXStreamSliceCmd(ctx)
	if f.readErr != nil {
		cmd.SetErr(f.readErr)
		return cmd
	}
	if len(f.streams) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(f.streams)
	return cmd
}

func (f *fakeClient) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	f.claimArgs = a
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(f.claimed, "0-0")
	return cmd
}

func (f *fakeClient) XPendingExt(ctx context.Context, _ *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(f.pending)
	return cmd
}

func (f *fakeClient) XAck(ctx context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (f *fakeClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, a)
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("9-0")
	return cmd
}

func (f *fakeClient) XGroupCreateMkStream(ctx context.Context, _, _, _ string) *redis.StatusCmd {
	f.groups++
	cmd := redis.NewStatusCmd(ctx)
	if f.groupErr != nil {
		cmd.SetErr(f.groupErr)
		return cmd
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

var req = dispatcher.ReadRequest{
	Stream:   "tenant-events",
	Group:    "dispatcher",
	Consumer: "dispatcher-1",
	Count:    10,
	Block:    time.Second,
}

type StreamSuite struct {
	suite.Suite
	client *fakeClient
	stream *Stream
}

func TestStreamSuite(t *testing.T) {
	suite.Run(t, new(StreamSuite))
}

func (s *StreamSuite) SetupTest() {
	s.client = &fakeClient{}
	s.stream = New(s.client, WithMaxDeliveries(3))
}

func (s *StreamSuite) TestReadsNewEntries() {
	s.client.streams = []redis.XStream{{
		Stream: req.Stream,
		Messages: []redis.XMessage{
			{ID: "1714550400000-0", Values: map[string]any{"data": `{"__type":"DailyTrigger"}`, "traceparent": "00-abc-def-01"}},
		},
	}}

	msgs, err := s.stream.Read(context.Background(), req)

	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Assert().Equal("1714550400000-0", msgs[0].ID)
	s.Assert().JSONEq(`{"__type":"DailyTrigger"}`, string(msgs[0].Body))
	s.Assert().Equal(map[string]string{"traceparent": "00-abc-def-01"}, msgs[0].Headers)
	s.Assert().Equal(time.UnixMilli(1714550400000).UTC(), msgs[0].DeliveredAt)
	s.Assert().Zero(msgs[0].Redeliveries)

	s.Require().Len(s.client.readArgs, 1)
	s.Assert().Equal([]string{req.Stream, ">"}, s.client.readArgs[0].Streams)
	s.Assert().Equal(time.Second, s.client.readArgs[0].Block)
	s.Assert().EqualValues(10, s.client.readArgs[0].Count)
}

func (s *StreamSuite) TestTimeoutIsEmptyBatch() {
	msgs, err := s.stream.Read(context.Background(), req)

	s.Require().NoError(err)
	s.Assert().Empty(msgs)
}

func (s *StreamSuite) TestReadError() {
	s.client.readErr = errors.New("connection refused")

	_, err := s.stream.Read(context.Background(), req)

	s.Assert().ErrorContains(err, "connection refused")
}

func (s *StreamSuite) TestCreatesGroupOnce() {
	s.client.groupErr = errors.New("BUSYGROUP Consumer Group name already exists")

	_, err := s.stream.Read(context.Background(), req)
	s.Require().NoError(err)
	_, err = s.stream.Read(context.Background(), req)
	s.Require().NoError(err)

	s.Assert().Equal(1, s.client.groups)
}

func (s *StreamSuite) TestGroupCreateFailure() {
	s.client.groupErr = errors.New("NOPERM")

	_, err := s.stream.Read(context.Background(), req)

	s.Assert().ErrorContains(err, "create group")
}

func (s *StreamSuite) TestReclaimedEntriesComeFirstWithoutBlocking() {
	s.client.claimed = []redis.XMessage{
		{ID: "1-0", Values: map[string]any{"data": `{}`}},
	}
	s.client.pending = []redis.XPendingExt{{ID: "1-0", RetryCount: 2}}
	s.client.streams = []redis.XStream{{
		Stream:   req.Stream,
		Messages: []redis.XMessage{{ID: "2-0", Values: map[string]any{"data": `{}`}}},
	}}

	msgs, err := s.stream.Read(context.Background(), req)

	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Assert().Equal("1-0", msgs[0].ID)
	s.Assert().Equal(1, msgs[0].Redeliveries)
	s.Assert().Equal("2-0", msgs[1].ID)

	s.Assert().Equal(DefaultMinIdle, s.client.claimArgs.MinIdle)
	s.Assert().Equal(time.Duration(-1), s.client.readArgs[0].Block)
	s.Assert().EqualValues(9, s.client.readArgs[0].Count)
}

func (s *StreamSuite) TestDeadLettersOverDelivered() {
	s.client.claimed = []redis.XMessage{
		{ID: "1-0", Values: map[string]any{"data": `{"__type":"Poison"}`}},
		{ID: "2-0", Values: map[string]any{"data": `{}`}},
	}
	s.client.pending = []redis.XPendingExt{
		{ID: "1-0", RetryCount: 4},
		{ID: "2-0", RetryCount: 3},
	}

	msgs, err := s.stream.Read(context.Background(), req)

	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Assert().Equal("2-0", msgs[0].ID)

	s.Require().Len(s.client.added, 1)
	s.Assert().Equal("tenant-events:dead", s.client.added[0].Stream)
	values, ok := s.client.added[0].Values.(map[string]any)
	s.Require().True(ok)
	s.Assert().Equal("1-0", values["dead_source_id"])
	s.Assert().Equal(`{"__type":"Poison"}`, values["data"])
	s.Assert().Equal([]string{"1-0"}, s.client.acked)
}

func (s *StreamSuite) TestReclaimDisabled() {
	s.stream = New(s.client, WithMinIdle(0))
	s.client.claimed = []redis.XMessage{{ID: "1-0"}}

	msgs, err := s.stream.Read(context.Background(), req)

	s.Require().NoError(err)
	s.Assert().Empty(msgs)
	s.Assert().Nil(s.client.claimArgs)
}

func (s *StreamSuite) TestAck() {
	err := s.stream.Ack(context.Background(), req.Stream, req.Group, "1-0", "2-0")

	s.Require().NoError(err)
	s.Assert().Equal([]string{"1-0", "2-0"}, s.client.acked)
}

func (s *StreamSuite) TestAckNothing() {
	s.Require().NoError(s.stream.Ack(context.Background(), req.Stream, req.Group))
	s.Assert().Empty(s.client.acked)
}

func TestToRawMessageWithoutBodyField(t *testing.T) {
	s := New(&fakeClient{})

	raw := s.toRawMessage(redis.XMessage{
		ID:     "5-1",
		Values: map[string]any{"__type": "DailyTrigger", "unitId": "unit_1"},
	}, 0)

	if string(raw.Body) != `{"__type":"DailyTrigger","unitId":"unit_1"}` {
		t.Errorf("unexpected body %s", raw.Body)
	}
}

func TestEntryTime(t *testing.T) {
	tests := map[string]struct {
		id   string
		want time.Time
	}{
		"valid":     {"1714550400000-3", time.UnixMilli(1714550400000).UTC()},
		"malformed": {"abc", time.Time{}},
		"empty":     {"", time.Time{}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := entryTime(tt.id); !got.Equal(tt.want) {
				t.Errorf("entryTime(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
