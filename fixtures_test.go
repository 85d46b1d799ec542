package dispatcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

type dailyTrigger struct {
	TenantID string `json:"tenantId"`
	UnitID   string `json:"unitId"`
	Date     string `json:"date"`
}

func (dailyTrigger) EventType() string { return "DailyTrigger" }

func (e dailyTrigger) Validate() error {
	if e.UnitID == "" {
		return errors.New("unitId is required")
	}
	if _, err := time.Parse(time.DateOnly, e.Date); err != nil {
		return errors.New("date must be YYYY-MM-DD")
	}
	return nil
}

type answerSubmitted struct {
	UnitID   string `json:"unitId"`
	AnswerID string `json:"answerId"`
}

func (answerSubmitted) EventType() string { return "AnswerSubmitted" }

// pointerValidated validates through a pointer receiver.
type pointerValidated struct {
	Value string `json:"value"`
}

func (pointerValidated) EventType() string { return "PointerValidated" }

func (p *pointerValidated) Validate() error {
	if p.Value == "" {
		return errors.New("value is required")
	}
	return nil
}

func routeDailyTrigger(e dailyTrigger) (Locator, error) {
	return Locator{WorkflowID: "unit-cycle/" + e.UnitID}, nil
}

func routeAnswerSubmitted(e answerSubmitted) (Locator, error) {
	return Locator{WorkflowID: "unit-cycle/" + e.UnitID, SignalName: "answer"}, nil
}

func testRegistry() *Registry {
	return MustBuild(
		Define(routeDailyTrigger, WithSignalName("dailyTrigger"), WithGuard(RequireFields("unitId"))),
		Define(routeAnswerSubmitted),
	)
}

func testConfig() Config {
	return Config{
		StreamName:          "tenant-events",
		ConsumerName:        "dispatcher-1",
		MaxMessages:         10,
		PollTimeout:         10 * time.Millisecond,
		DeliveryTimeout:     50 * time.Millisecond,
		AttemptTimeout:      time.Second,
		NotFoundMaxAttempts: 3,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          4 * time.Millisecond,
	}
}

func msg(id, body string) RawMessage {
	return RawMessage{ID: id, Body: []byte(body)}
}

const (
	dailyTriggerBody = `{"__type":"DailyTrigger","tenantId":"tenant_t1","unitId":"unit_u1","date":"2024-05-01"}`
	unknownBody      = `{"__type":"Unknown42","foo":"bar"}`
	malformedBody    = `{"__type":"DailyTrigger","tenantId":"tenant_t1","unitId":"unit_u1","date":"yesterday"}`
)

// fakeStream serves scripted batches, then empty polls.
type fakeStream struct {
	mu       sync.Mutex
	batches  [][]RawMessage
	readErr  error
	ackErr   error
	requests []ReadRequest
	acked    [][]string
	onRead   func()
}

func (f *fakeStream) Read(ctx context.Context, req ReadRequest) ([]RawMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	onRead := f.onRead
	var batch []RawMessage
	if len(f.batches) > 0 {
		batch = f.batches[0]
		f.batches = f.batches[1:]
	}
	err := f.readErr
	f.mu.Unlock()

	if onRead != nil {
		onRead()
	}
	if err != nil {
		return nil, err
	}
	if batch == nil {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}
	return batch, nil
}

func (f *fakeStream) Ack(_ context.Context, _, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, slices.Clone(ids))
	return nil
}

func (f *fakeStream) allAcked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, batch := range f.acked {
		ids = append(ids, batch...)
	}
	slices.Sort(ids)
	return ids
}

// scriptedEngine returns the scripted errors for a workflow in order, then
// succeeds.
type scriptedEngine struct {
	mu      sync.Mutex
	script  map[string][]error
	always  map[string]error
	calls   map[string]int
	signals []Locator
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{
		script: make(map[string][]error),
		always: make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (e *scriptedEngine) Signal(ctx context.Context, loc Locator, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[loc.WorkflowID]++
	if err, ok := e.always[loc.WorkflowID]; ok {
		return err
	}
	if errs := e.script[loc.WorkflowID]; len(errs) > 0 {
		e.script[loc.WorkflowID] = errs[1:]
		return errs[0]
	}
	e.signals = append(e.signals, loc)
	return nil
}

func (e *scriptedEngine) callCount(workflowID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[workflowID]
}

// recordingSink collects records.
type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordingSink) Record(_ context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) byMessage() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for _, r := range s.records {
		out[r.MessageID] = r
	}
	return out
}
