package workflow

import (
	"context"
	"fmt"

	"github.com/lirancohen/baton/event"
)

// Kind identifies the node variant.
type Kind string

const (
	// KindTask is an automated step applying a plain function.
	KindTask Kind = "task"

	// KindAgent is a step delegating to a model/agent capability.
	KindAgent Kind = "agent"

	// KindHuman is a pause point awaiting external approval.
	KindHuman Kind = "human"
)

// Node is a single step in a workflow. Nodes are stateless: they carry no
// persisted identity beyond the workflow definition, and their only durable
// effect is the event their Run returns.
type Node interface {
	// ID returns the node id, unique within a workflow.
	ID() string

	// Name returns the display name.
	Name() string

	// Kind returns the node variant.
	Kind() Kind

	// Run executes the step against the context bag and returns the raw
	// outcome event. The engine stamps workflow, correlation and causation
	// metadata afterwards. Execution errors propagate to the caller of
	// Start/Resume; the engine performs no recovery of its own.
	Run(ctx context.Context, wctx *Context) (event.Event, error)
}

// NodeFunc is the capability a Task or Agent node applies to the run.
type NodeFunc func(ctx context.Context, wctx *Context) (map[string]any, error)

// Task is an automated step. Its output is wrapped as
// {node: id, out: result} under a task.completed event.
type Task struct {
	id   string
	name string
	fn   NodeFunc
}

// NewTask creates a task node. The id must be unique within the workflow.
func NewTask(id, name string, fn NodeFunc) *Task {
	return &Task{id: id, name: name, fn: fn}
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }
func (t *Task) Kind() Kind   { return KindTask }

// Run applies the task function and wraps its output.
func (t *Task) Run(ctx context.Context, wctx *Context) (event.Event, error) {
	out, err := t.fn(ctx, wctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("run task %q: %w", t.id, err)
	}
	return event.New(event.EventTaskCompleted, map[string]any{"node": t.id, "out": out}), nil
}

// Agent is a step that invokes a model/agent capability. Its output is
// wrapped as {node: id, out: result} under an agent.completed event.
type Agent struct {
	id    string
	name  string
	agent NodeFunc
}

// NewAgent creates an agent node. The id must be unique within the workflow.
func NewAgent(id, name string, agent NodeFunc) *Agent {
	return &Agent{id: id, name: name, agent: agent}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Name() string { return a.name }
func (a *Agent) Kind() Kind   { return KindAgent }

// Run invokes the agent capability and wraps its output.
func (a *Agent) Run(ctx context.Context, wctx *Context) (event.Event, error) {
	out, err := a.agent(ctx, wctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("run agent %q: %w", a.id, err)
	}
	return event.New(event.EventAgentCompleted, map[string]any{"node": a.id, "out": out}), nil
}

// HumanCheckpoint halts the run until an external approval signal appears in
// the context bag. Only the boolean value true approves; any other value
// (or absence) yields a human.wait event that stops the current invocation.
type HumanCheckpoint struct {
	id          string
	name        string
	approvalKey string
}

// NewHumanCheckpoint creates a human checkpoint gated on the given bag key.
func NewHumanCheckpoint(id, name, approvalKey string) *HumanCheckpoint {
	return &HumanCheckpoint{id: id, name: name, approvalKey: approvalKey}
}

func (h *HumanCheckpoint) ID() string   { return h.id }
func (h *HumanCheckpoint) Name() string { return h.name }
func (h *HumanCheckpoint) Kind() Kind   { return KindHuman }

// ApprovalKey returns the context bag key the checkpoint inspects.
func (h *HumanCheckpoint) ApprovalKey() string { return h.approvalKey }

// Run emits human.approved when the approval flag is strictly true,
// human.wait otherwise.
func (h *HumanCheckpoint) Run(ctx context.Context, wctx *Context) (event.Event, error) {
	if approved, ok := wctx.Bag[h.approvalKey].(bool); ok && approved {
		return event.New(event.EventHumanApproved, map[string]any{"node": h.id}), nil
	}
	return event.New(event.EventHumanWait, map[string]any{"node": h.id}), nil
}
