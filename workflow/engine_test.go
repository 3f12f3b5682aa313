package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	busmem "github.com/lirancohen/baton/bus/memory"
	"github.com/lirancohen/baton/event"
	storemem "github.com/lirancohen/baton/event/memory"
)

// approvalFlow builds the three-step pipeline used across engine tests:
// an automated task, a human gate, and a final task.
func approvalFlow() *Workflow {
	return New("doc-review",
		[]Node{
			NewTask("draft", "Draft", func(ctx context.Context, wctx *Context) (map[string]any, error) {
				return map[string]any{"status": "drafted"}, nil
			}),
			NewHumanCheckpoint("review", "Review", "approval"),
			NewTask("publish", "Publish", func(ctx context.Context, wctx *Context) (map[string]any, error) {
				return map[string]any{"status": "published"}, nil
			}),
		},
		Edge{From: "draft", To: "review", Policies: []string{"four_eyes"}},
		Edge{From: "review", To: "publish"},
	)
}

func eventTypes(events []event.Event) []event.EventType {
	types := make([]event.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestStartDefaultsCorrelationID(t *testing.T) {
	store := storemem.New()
	engine := NewEngine(store, busmem.New())

	wctx := NewContext()
	cid, err := engine.Start(context.Background(), approvalFlow(), wctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if cid != "doc-review" {
		t.Errorf("correlation id = %q, want workflow id doc-review", cid)
	}
	if got, _ := wctx.CorrelationID(); got != cid {
		t.Errorf("bag correlation id = %q, want %q", got, cid)
	}
}

func TestStartHaltsAtHumanCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	engine := NewEngine(store, busmem.New())

	wctx := NewContext()
	cid, err := engine.Start(ctx, approvalFlow(), wctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, _ := store.List(ctx, cid)
	want := []event.EventType{event.EventTaskCompleted, event.EventHumanWait}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event log = %v, want %v", got, want)
		}
	}
	if events[1].Payload["node"] != "review" {
		t.Errorf("wait event node = %v, want review", events[1].Payload["node"])
	}
}

func TestResumeAfterApproval(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	engine := NewEngine(store, busmem.New())
	wf := approvalFlow()

	wctx := NewContext()
	cid, err := engine.Start(ctx, wf, wctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Resume without approval stays parked at the checkpoint.
	if _, err := engine.Resume(ctx, wf, wctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	events, _ := store.List(ctx, cid)
	if events[len(events)-1].Type != event.EventHumanWait {
		t.Fatalf("last event after unapproved resume = %q, want human.wait", events[len(events)-1].Type)
	}

	wctx.Bag["approval"] = true
	if _, err := engine.Resume(ctx, wf, wctx); err != nil {
		t.Fatalf("Resume() after approval error = %v", err)
	}

	events, _ = store.List(ctx, cid)
	got := eventTypes(events)
	want := []event.EventType{
		event.EventTaskCompleted, // draft
		event.EventHumanWait,     // first pass at review
		event.EventHumanWait,     // unapproved resume
		event.EventHumanApproved, // approved resume
		event.EventTaskCompleted, // publish
	}
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event log = %v, want %v", got, want)
		}
	}
}

func TestResumeOnFinishedRunAppendsNothing(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	engine := NewEngine(store, busmem.New())
	wf := approvalFlow()

	wctx := NewContext()
	wctx.Bag["approval"] = true
	cid, err := engine.Start(ctx, wf, wctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	before, _ := store.List(ctx, cid)
	if _, err := engine.Resume(ctx, wf, wctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	after, _ := store.List(ctx, cid)

	if len(after) != len(before) {
		t.Errorf("resume of finished run appended %d events", len(after)-len(before))
	}
}

func TestResumeRequiresCorrelationID(t *testing.T) {
	engine := NewEngine(storemem.New(), busmem.New())

	_, err := engine.Resume(context.Background(), approvalFlow(), NewContext())
	if !errors.Is(err, ErrNoCorrelationID) {
		t.Errorf("Resume() error = %v, want ErrNoCorrelationID", err)
	}
}

func TestEventStamping(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	engine := NewEngine(store, busmem.New())

	wf := New("stamped", []Node{
		NewTask("only", "Only", func(ctx context.Context, wctx *Context) (map[string]any, error) {
			return map[string]any{"n": 1}, nil
		}),
	})

	wctx := NewContext()
	wctx.Bag[BagCorrelationID] = "run-42"
	if _, err := engine.Start(ctx, wf, wctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, _ := store.List(ctx, "run-42")
	if len(events) != 1 {
		t.Fatalf("event log has %d events, want 1", len(events))
	}
	e := events[0]
	if e.Payload["workflow"] != "stamped" {
		t.Errorf("payload workflow = %v, want stamped", e.Payload["workflow"])
	}
	if e.Payload["node"] != "only" {
		t.Errorf("payload node = %v, want only", e.Payload["node"])
	}
	if e.CorrelationID != "run-42" {
		t.Errorf("CorrelationID = %q, want run-42", e.CorrelationID)
	}
	if e.CausationID == "" {
		t.Error("CausationID should reference the raw outcome event")
	}
}

func TestPolicyDenialHaltsRun(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	guard := NewGuardFunc(func(wctx *Context, node Node, policies []string, edge Edge) bool {
		return node.ID() != "review"
	})
	engine := NewEngine(store, busmem.New(), WithGuard(guard))

	wctx := NewContext()
	cid, err := engine.Start(ctx, approvalFlow(), wctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, _ := store.List(ctx, cid)
	got := eventTypes(events)
	want := []event.EventType{event.EventTaskCompleted, event.EventPolicyDenied}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("event log = %v, want %v", got, want)
	}

	denied := events[1]
	if denied.Payload["node"] != "review" {
		t.Errorf("denial node = %v, want review", denied.Payload["node"])
	}
	if denied.Payload["reason"] != "policy" {
		t.Errorf("denial reason = %v, want policy", denied.Payload["reason"])
	}
}

func TestNodeErrorPropagates(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	engine := NewEngine(store, busmem.New())

	boom := errors.New("downstream unavailable")
	wf := New("flaky", []Node{
		NewTask("ok", "OK", func(ctx context.Context, wctx *Context) (map[string]any, error) {
			return nil, nil
		}),
		NewTask("fails", "Fails", func(ctx context.Context, wctx *Context) (map[string]any, error) {
			return nil, boom
		}),
	})

	wctx := NewContext()
	cid, err := engine.Start(ctx, wf, wctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want wrapped %v", err, boom)
	}

	// The first node's event survives the fault; Resume picks up from there.
	events, _ := store.List(ctx, cid)
	if len(events) != 1 || events[0].Payload["node"] != "ok" {
		t.Fatalf("event log after fault = %v, want the ok node's event", eventTypes(events))
	}
}

func TestStartPublishesToBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := busmem.New()
	ch, _ := b.Subscribe(ctx)
	engine := NewEngine(storemem.New(), b)

	wctx := NewContext()
	wctx.Bag["approval"] = true
	if _, err := engine.Start(ctx, approvalFlow(), wctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("received %d published events, want 3", i)
		}
	}
}

func TestOutboxDefersPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storemem.New()
	b := busmem.New()
	ch, _ := b.Subscribe(ctx)
	engine := NewEngine(store, b, WithOutbox())

	wctx := NewContext()
	wctx.Bag["approval"] = true
	cid, err := engine.Start(ctx, approvalFlow(), wctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case e := <-ch:
		t.Fatalf("event %s published directly, want outbox-deferred delivery", e.ID)
	case <-time.After(50 * time.Millisecond):
	}

	pending, _ := store.FetchOutbox(ctx, 10)
	if len(pending) != 3 {
		t.Errorf("outbox holds %d events, want 3", len(pending))
	}

	events, _ := store.List(ctx, cid)
	if len(events) != 3 {
		t.Errorf("event log has %d events, want 3", len(events))
	}
}

func TestDecisionRecords(t *testing.T) {
	ctx := context.Background()
	records := make(chan DecisionRecord, 10)
	guard := NewGuardFunc(func(wctx *Context, node Node, policies []string, edge Edge) bool {
		return node.ID() != "publish"
	})
	engine := NewEngine(storemem.New(), busmem.New(),
		WithGuard(guard),
		WithDecisionFunc(func(r DecisionRecord) { records <- r }),
	)

	wctx := NewContext()
	wctx.Bag["approval"] = true
	if _, err := engine.Start(ctx, approvalFlow(), wctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	byNode := make(map[string]DecisionRecord)
	for i := 0; i < 3; i++ {
		select {
		case r := <-records:
			byNode[r.NodeID] = r
		case <-time.After(time.Second):
			t.Fatalf("received %d decision records, want 3", i)
		}
	}

	draft, ok := byNode["draft"]
	if !ok || !draft.Allowed {
		t.Errorf("draft record = %+v, want allowed", draft)
	}
	if draft.WorkflowID != "doc-review" || draft.NodeKind != "task" {
		t.Errorf("draft record identity = %s/%s, want doc-review/task", draft.WorkflowID, draft.NodeKind)
	}

	review, ok := byNode["review"]
	if !ok || !review.Allowed {
		t.Errorf("review record = %+v, want allowed", review)
	}

	publish, ok := byNode["publish"]
	if !ok || publish.Allowed {
		t.Errorf("publish record = %+v, want denied", publish)
	}
}

func TestDecisionSinkPanicDoesNotFailRun(t *testing.T) {
	engine := NewEngine(storemem.New(), busmem.New(),
		WithDecisionFunc(func(DecisionRecord) { panic("audit down") }),
	)

	wctx := NewContext()
	wctx.Bag["approval"] = true
	if _, err := engine.Start(context.Background(), approvalFlow(), wctx); err != nil {
		t.Fatalf("Start() error = %v, want nil despite panicking sink", err)
	}
}

// fakeLease counts acquisitions and can refuse them.
type fakeLease struct {
	deny     bool
	acquires int
	releases int
}

func (f *fakeLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.acquires++
	return !f.deny, nil
}

func (f *fakeLease) Release(ctx context.Context, key string) error {
	f.releases++
	return nil
}

func TestResumeLease(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	wf := approvalFlow()

	held := &fakeLease{deny: true}
	engine := NewEngine(store, busmem.New(), WithLease(held, 0))

	wctx := NewContext()
	wctx.Bag[BagCorrelationID] = "run-1"
	if _, err := engine.Resume(ctx, wf, wctx); !errors.Is(err, ErrResumeInProgress) {
		t.Errorf("Resume() with held lease error = %v, want ErrResumeInProgress", err)
	}
	if held.releases != 0 {
		t.Errorf("released an unacquired lease %d times", held.releases)
	}

	free := &fakeLease{}
	engine = NewEngine(store, busmem.New(), WithLease(free, 0))
	if _, err := engine.Resume(ctx, wf, wctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if free.acquires != 1 || free.releases != 1 {
		t.Errorf("lease acquires/releases = %d/%d, want 1/1", free.acquires, free.releases)
	}
}
