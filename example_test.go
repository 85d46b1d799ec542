package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bjaus/dispatcher"
)

// DailyTrigger starts a unit's daily cycle.
type DailyTrigger struct {
	TenantID string `json:"tenantId"`
	UnitID   string `json:"unitId"`
	Date     string `json:"date"`
}

func (DailyTrigger) EventType() string { return "DailyTrigger" }

func (e DailyTrigger) Validate() error {
	if e.UnitID == "" {
		return errors.New("unitId is required")
	}
	return nil
}

func routeDailyTrigger(e DailyTrigger) (dispatcher.Locator, error) {
	return dispatcher.Locator{WorkflowID: "unit-cycle/" + e.TenantID + "/" + e.UnitID}, nil
}

// memoryStream serves one batch and prints acknowledgments.
type memoryStream struct {
	batch []dispatcher.RawMessage
}

func (s *memoryStream) Read(ctx context.Context, req dispatcher.ReadRequest) ([]dispatcher.RawMessage, error) {
	if s.batch == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	batch := s.batch
	s.batch = nil
	return batch, nil
}

func (s *memoryStream) Ack(_ context.Context, stream, group string, ids ...string) error {
	fmt.Printf("ack %s/%s %v\n", stream, group, ids)
	return nil
}

// printEngine prints signals instead of delivering them.
type printEngine struct{}

func (printEngine) Signal(_ context.Context, loc dispatcher.Locator, payload any) error {
	fmt.Printf("signal %s %+v\n", loc, payload)
	return nil
}

func Example() {
	registry := dispatcher.MustBuild(
		dispatcher.Define(routeDailyTrigger, dispatcher.WithSignalName("dailyTrigger")),
	)

	stream := &memoryStream{batch: []dispatcher.RawMessage{
		{ID: "1-0", Body: []byte(`{"__type":"DailyTrigger","tenantId":"t1","unitId":"u1","date":"2024-05-01"}`)},
		{ID: "2-0", Body: []byte(`{"__type":"Unknown42"}`)},
	}}

	d, err := dispatcher.New(stream, printEngine{}, registry, dispatcher.Config{
		StreamName:   "tenant-events",
		ConsumerName: "dispatcher-1",
		MaxMessages:  10,
		Workers:      1,
	},
		dispatcher.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		dispatcher.WithSink(dispatcher.SinkFunc(func(_ context.Context, rec dispatcher.Record) {
			fmt.Printf("%s %s %s\n", rec.MessageID, rec.EventType, rec.Outcome)
		})),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	if _, err := d.RunOnce(context.Background()); err != nil {
		fmt.Println(err)
	}

	// Output:
	// signal unit-cycle/t1/u1#dailyTrigger {TenantID:t1 UnitID:u1 Date:2024-05-01}
	// 1-0 DailyTrigger delivered
	// 2-0 Unknown42 rejected
	// ack tenant-events/dispatcher [1-0 2-0]
}

func ExampleClassifier_Classify() {
	registry := dispatcher.MustBuild(
		dispatcher.Define(routeDailyTrigger, dispatcher.WithSignalName("dailyTrigger")),
	)
	classifier := dispatcher.NewClassifier(registry)

	for _, body := range []string{
		`{"__type":"DailyTrigger","tenantId":"t1","unitId":"u1","date":"2024-05-01"}`,
		`{"__type":"DailyTrigger","tenantId":"t1"}`,
		`{"__type":"Unknown42"}`,
		`not json`,
	} {
		evt, err := classifier.Classify(dispatcher.RawMessage{ID: "1-0", Body: []byte(body)})
		switch {
		case errors.Is(err, dispatcher.ErrUnknownEventType):
			fmt.Println("unknown")
		case errors.Is(err, dispatcher.ErrMalformedPayload):
			fmt.Println("malformed")
		default:
			fmt.Println("decoded", evt.Type)
		}
	}

	// Output:
	// decoded DailyTrigger
	// malformed
	// unknown
	// malformed
}

func ExampleSignalRouter_Route() {
	registry := dispatcher.MustBuild(
		dispatcher.Define(routeDailyTrigger, dispatcher.WithSignalName("dailyTrigger")),
	)
	router := dispatcher.NewSignalRouter(registry, printEngine{}, dispatcher.RetryPolicy{})

	loc, err := router.Route(dispatcher.TypedEvent{
		Type:    "DailyTrigger",
		Payload: DailyTrigger{TenantID: "t1", UnitID: "u1"},
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(loc.WorkflowID)
	fmt.Println(loc.SignalName)

	// Output:
	// unit-cycle/t1/u1
	// dailyTrigger
}

func ExampleWithOnRetry() {
	registry := dispatcher.MustBuild(dispatcher.Define(routeDailyTrigger))

	calls := 0
	engine := engineFunc(func(context.Context, dispatcher.Locator, any) error {
		calls++
		if calls < 3 {
			return dispatcher.ErrWorkflowNotFound
		}
		return nil
	})

	router := dispatcher.NewSignalRouter(registry, engine, dispatcher.RetryPolicy{
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}, dispatcher.WithOnRetry(func(_ context.Context, loc dispatcher.Locator, attempt int, err error, _ time.Duration) {
		fmt.Printf("retry %d: %v\n", attempt, err)
	}))

	out := router.Deliver(context.Background(), dispatcher.Locator{WorkflowID: "unit-cycle/t1/u1", SignalName: "DailyTrigger"}, DailyTrigger{})
	fmt.Println(out.Kind, out.Attempts)

	// Output:
	// retry 1: dispatcher: workflow not found
	// retry 2: dispatcher: workflow not found
	// delivered 3
}

type engineFunc func(ctx context.Context, loc dispatcher.Locator, payload any) error

func (f engineFunc) Signal(ctx context.Context, loc dispatcher.Locator, payload any) error {
	return f(ctx, loc, payload)
}
