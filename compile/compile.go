// Package compile builds workflow definitions from declarative YAML specs.
// Node functions cannot be expressed in data, so specs reference them by
// name and a Registry supplies the implementations at compile time.
package compile

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/lirancohen/baton/workflow"
)

// Node kinds accepted in a spec.
const (
	KindTask  = "task"
	KindAgent = "agent"
	KindHuman = "human"
)

// DefaultApprovalKey is the context bag key a human node inspects when the
// spec does not name one.
const DefaultApprovalKey = "approval"

// NodeSpec declares one node of a workflow.
type NodeSpec struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"`

	// Func names the registered function a task or agent node applies.
	Func string `yaml:"func,omitempty" json:"func,omitempty"`

	// ApprovalKey is the bag key a human node inspects.
	ApprovalKey string `yaml:"approval_key,omitempty" json:"approval_key,omitempty"`
}

// EdgeSpec declares one policy-carrying edge.
type EdgeSpec struct {
	From     string   `yaml:"from,omitempty" json:"from,omitempty"`
	To       string   `yaml:"to" json:"to"`
	Policies []string `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// WorkflowSpec is the declarative form of a workflow.
type WorkflowSpec struct {
	ID    string     `yaml:"id" json:"id"`
	Nodes []NodeSpec `yaml:"nodes" json:"nodes"`
	Edges []EdgeSpec `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// Registry maps function names to node implementations.
type Registry struct {
	funcs map[string]workflow.NodeFunc
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]workflow.NodeFunc)}
}

// Register binds a name to a node function. Re-registering a name replaces
// the previous binding.
func (r *Registry) Register(name string, fn workflow.NodeFunc) {
	r.funcs[name] = fn
}

// lookup returns the function bound to name.
func (r *Registry) lookup(name string) (workflow.NodeFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Compile validates the spec and builds a workflow definition. A malformed
// spec fails loudly: unknown kinds, duplicate or empty node ids,
// unregistered functions, and edges targeting unknown nodes are all
// compile errors.
func Compile(spec WorkflowSpec, registry *Registry) (*workflow.Workflow, error) {
	if spec.ID == "" {
		return nil, errors.New("compile: workflow id is required")
	}
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("compile: workflow %q has no nodes", spec.ID)
	}
	if registry == nil {
		registry = NewRegistry()
	}

	seen := make(map[string]struct{}, len(spec.Nodes))
	nodes := make([]workflow.Node, 0, len(spec.Nodes))
	for _, ns := range spec.Nodes {
		if ns.ID == "" {
			return nil, fmt.Errorf("compile: workflow %q has a node without an id", spec.ID)
		}
		if _, dup := seen[ns.ID]; dup {
			return nil, fmt.Errorf("compile: duplicate node id %q", ns.ID)
		}
		seen[ns.ID] = struct{}{}

		node, err := compileNode(ns, registry)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	edges := make([]workflow.Edge, 0, len(spec.Edges))
	for _, es := range spec.Edges {
		if _, ok := seen[es.To]; !ok {
			return nil, fmt.Errorf("compile: edge targets unknown node %q", es.To)
		}
		edges = append(edges, workflow.Edge{
			From:     es.From,
			To:       es.To,
			Policies: es.Policies,
		})
	}

	return workflow.New(spec.ID, nodes, edges...), nil
}

// compileNode builds a single node from its spec.
func compileNode(ns NodeSpec, registry *Registry) (workflow.Node, error) {
	switch ns.Kind {
	case KindTask, KindAgent:
		if ns.Func == "" {
			return nil, fmt.Errorf("compile: node %q needs a func", ns.ID)
		}
		fn, ok := registry.lookup(ns.Func)
		if !ok {
			return nil, fmt.Errorf("compile: node %q references unregistered func %q", ns.ID, ns.Func)
		}
		if ns.Kind == KindAgent {
			return workflow.NewAgent(ns.ID, ns.Name, fn), nil
		}
		return workflow.NewTask(ns.ID, ns.Name, fn), nil

	case KindHuman:
		key := ns.ApprovalKey
		if key == "" {
			key = DefaultApprovalKey
		}
		return workflow.NewHumanCheckpoint(ns.ID, ns.Name, key), nil

	default:
		return nil, fmt.Errorf("compile: node %q has unknown kind %q", ns.ID, ns.Kind)
	}
}

// Load parses a YAML workflow spec and compiles it.
func Load(yamlText []byte, registry *Registry) (*workflow.Workflow, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(yamlText, &spec); err != nil {
		return nil, fmt.Errorf("compile: parse workflow spec: %w", err)
	}
	return Compile(spec, registry)
}
