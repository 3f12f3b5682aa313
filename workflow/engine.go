package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/baton/bus"
	"github.com/lirancohen/baton/event"
	"github.com/lirancohen/baton/lease"
	"github.com/lirancohen/baton/query"
)

// Common errors returned by the Engine.
var (
	// ErrNoCorrelationID indicates Resume was called without a correlation
	// id in the context bag. This is a caller-contract violation: only the
	// caller knows which run to continue.
	ErrNoCorrelationID = errors.New("workflow: resume requires correlation_id in the context bag")

	// ErrResumeInProgress indicates another resume currently holds the
	// run's lease.
	ErrResumeInProgress = errors.New("workflow: another resume holds the run lease")
)

// DefaultLeaseTTL bounds how long a crashed resume can hold a run's lease.
const DefaultLeaseTTL = 30 * time.Second

// Engine orchestrates start/resume of workflow runs. For each pending node
// it consults the policy guard, runs the node, stamps workflow/correlation/
// causation metadata onto the outcome event, records it durably, publishes
// it, and optionally emits an audit decision record - until the run halts
// at a human.wait event, a policy denial, or graph exhaustion.
//
// The engine holds no run-scoped mutable state: distinct runs may execute
// concurrently without coordination, and progress is always derived from
// the event log rather than an in-memory or persisted cursor.
type Engine struct {
	store      event.Store
	bus        bus.Bus
	guard      *Guard
	onDecision DecisionFunc
	logger     Logger
	useOutbox  bool
	lease      lease.Lease
	leaseTTL   time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGuard replaces the default policy guard (standalone evaluator,
// fail-open unless deny_all).
func WithGuard(g *Guard) EngineOption {
	return func(e *Engine) { e.guard = g }
}

// WithDecisionFunc registers an audit callback invoked fire-and-forget
// after each node step. Failures in the callback never affect the run.
func WithDecisionFunc(fn DecisionFunc) EngineOption {
	return func(e *Engine) { e.onDecision = fn }
}

// WithLogger sets the engine logger. If unset, logging is discarded.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithOutbox makes the engine record events through the store's
// transactional outbox instead of publishing directly: append and outbox
// entry commit atomically, and a separate drain worker delivers to the bus.
// If the store does not implement event.OutboxStore, the engine falls back
// to append-then-publish.
func WithOutbox() EngineOption {
	return func(e *Engine) { e.useOutbox = true }
}

// WithLease serializes Resume calls for the same correlation id through the
// given lease. A zero ttl uses DefaultLeaseTTL.
func WithLease(l lease.Lease, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.lease = l
		if ttl <= 0 {
			ttl = DefaultLeaseTTL
		}
		e.leaseTTL = ttl
	}
}

// NewEngine creates an engine on the given store and bus.
func NewEngine(store event.Store, b bus.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		bus:    b,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		e.guard = NewGuard(nil)
	}
	return e
}

// Start begins a run of the workflow. The correlation id comes from the
// context bag, defaulting to the workflow id, and is written back to the
// bag so subsequent Resume calls find it. Start returns once the run
// completes, halts at a human checkpoint, or is denied by policy; node
// execution errors propagate to the caller with the run's persisted state
// at the last successfully recorded event.
func (e *Engine) Start(ctx context.Context, wf *Workflow, wctx *Context) (string, error) {
	cid, ok := wctx.CorrelationID()
	if !ok {
		cid = wf.ID
		wctx.Bag[BagCorrelationID] = cid
	}

	e.logger.Info("starting run", "workflow", wf.ID, "correlation_id", cid)
	return cid, e.runNodes(ctx, wf, wctx, cid, nil)
}

// Resume continues a previously started run. Progress is recomputed from
// the event log: every node already satisfied by a task.completed,
// agent.completed or human.approved event is skipped, and execution picks
// up at the first unsatisfied node. Calling Resume on a run with nothing
// left to satisfy appends no events.
func (e *Engine) Resume(ctx context.Context, wf *Workflow, wctx *Context) (string, error) {
	cid, ok := wctx.CorrelationID()
	if !ok {
		return "", ErrNoCorrelationID
	}

	if e.lease != nil {
		acquired, err := e.lease.Acquire(ctx, "run:"+cid, e.leaseTTL)
		if err != nil {
			return "", fmt.Errorf("acquire run lease: %w", err)
		}
		if !acquired {
			return "", ErrResumeInProgress
		}
		defer func() {
			if err := e.lease.Release(context.WithoutCancel(ctx), "run:"+cid); err != nil {
				e.logger.Error("release run lease", "correlation_id", cid, "error", err)
			}
		}()
	}

	events, err := e.store.List(ctx, cid)
	if err != nil {
		return "", fmt.Errorf("list events for run %s: %w", cid, err)
	}
	done := query.SatisfiedNodes(events)

	e.logger.Info("resuming run", "workflow", wf.ID, "correlation_id", cid, "satisfied", len(done))
	return cid, e.runNodes(ctx, wf, wctx, cid, done)
}

// runNodes walks the workflow in order, skipping satisfied nodes.
func (e *Engine) runNodes(ctx context.Context, wf *Workflow, wctx *Context, cid string, done map[string]bool) error {
	for _, node := range wf.Nodes {
		if done[node.ID()] {
			e.logger.Debug("skipping satisfied node", "node", node.ID())
			continue
		}

		policies := wf.PoliciesFor(node.ID())
		edge := wf.EdgeFor(node.ID())

		allowed, err := e.guard.Check(ctx, wctx, node, policies, edge)
		if err != nil {
			return fmt.Errorf("policy check for node %q: %w", node.ID(), err)
		}
		if !allowed {
			denied := event.New(event.EventPolicyDenied,
				map[string]any{"node": node.ID(), "reason": "policy"},
				event.WithCorrelationID(cid))
			if err := e.record(ctx, denied); err != nil {
				return err
			}
			e.emitDecision(cid, wf, node, false, policies, wctx, denied.Payload, 0)
			e.logger.Info("policy denied", "node", node.ID(), "correlation_id", cid)
			return nil
		}

		started := time.Now()
		raw, err := node.Run(ctx, wctx)
		if err != nil {
			// Node faults propagate uncaught; the run's recorded state stays
			// at the last appended event, and Resume is the recovery path.
			return err
		}
		latency := time.Since(started)

		evt := e.stamp(raw, wf.ID, cid)
		if err := e.record(ctx, evt); err != nil {
			return err
		}
		e.emitDecision(cid, wf, node, true, policies, wctx, evt.Payload, latency)

		if evt.Type == event.EventHumanWait {
			e.logger.Info("run waiting for approval", "node", node.ID(), "correlation_id", cid)
			return nil
		}
	}
	return nil
}

// stamp wraps a node's raw outcome event with engine metadata: the workflow
// id in the payload, the run's correlation id, and the raw event's id as
// causation. The raw event's idempotency key, if any, carries over.
func (e *Engine) stamp(raw event.Event, workflowID, cid string) event.Event {
	payload := copyBag(raw.Payload)
	payload["workflow"] = workflowID

	opts := []event.Option{
		event.WithCorrelationID(cid),
		event.WithCausationID(raw.ID),
	}
	if raw.IdempotencyKey != "" {
		opts = append(opts, event.WithIdempotencyKey(raw.IdempotencyKey))
	}
	return event.New(raw.Type, payload, opts...)
}

// record makes the event durable and schedules its delivery. With the
// outbox enabled and a capable store, append and outbox entry commit
// atomically and the drain worker publishes later; otherwise the event is
// appended and published directly.
func (e *Engine) record(ctx context.Context, evt event.Event) error {
	if e.useOutbox {
		if os, ok := e.store.(event.OutboxStore); ok {
			committed, err := os.AppendWithOutbox(ctx, evt)
			if err != nil {
				return fmt.Errorf("append event %s with outbox: %w", evt.ID, err)
			}
			if !committed {
				e.logger.Debug("idempotent append skipped", "event", evt.ID, "key", evt.IdempotencyKey)
			}
			return nil
		}
	}

	if err := e.store.Append(ctx, evt); err != nil {
		return fmt.Errorf("append event %s: %w", evt.ID, err)
	}
	if err := e.bus.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}
	return nil
}

// emitDecision hands a decision record to the audit callback without
// blocking the run. Panics in the callback are logged and swallowed.
func (e *Engine) emitDecision(cid string, wf *Workflow, node Node, allowed bool, policies []string, wctx *Context, output map[string]any, latency time.Duration) {
	if e.onDecision == nil {
		return
	}

	record := DecisionRecord{
		CorrelationID:   cid,
		WorkflowID:      wf.ID,
		NodeID:          node.ID(),
		NodeName:        node.Name(),
		NodeKind:        string(node.Kind()),
		Allowed:         allowed,
		PoliciesApplied: policies,
		InputSnapshot:   copyBag(wctx.Bag),
		OutputSnapshot:  copyBag(output),
		ModelInfo:       map[string]any{},
		ToolCalls:       []map[string]any{},
		Cost:            map[string]any{},
		LatencyMS:       float64(latency) / float64(time.Millisecond),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("decision sink panicked", "node", record.NodeID, "panic", r)
			}
		}()
		e.onDecision(record)
	}()
}
