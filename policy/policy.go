// Package policy defines the external evaluator contract the workflow
// engine's guard delegates to, plus two implementations: a standalone
// evaluator requiring no external service, and an OPA HTTP client.
package policy

import "context"

// NodeInfo identifies the node a decision is about.
type NodeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// BagInfo is a read-only view of the run's context bag.
type BagInfo struct {
	Bag map[string]any `json:"bag"`
}

// EdgeInfo is the edge record leading into the node.
type EdgeInfo struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to"`
	Policies []string `json:"policies"`
}

// Input is the decision document handed to an evaluator.
type Input struct {
	Node     NodeInfo `json:"node"`
	Ctx      BagInfo  `json:"ctx"`
	Policies []string `json:"policies"`
	Edge     EdgeInfo `json:"edge"`
}

// Evaluator decides whether a node may run. A denial is a normal false, not
// an error; errors mean the evaluator itself failed (e.g. unreachable), and
// it is the caller's decision whether that implies deny (fail-closed) or
// allow (fail-open).
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (bool, error)
}

// DenyAll is the policy tag the standalone evaluator treats as an
// unconditional denial.
const DenyAll = "deny_all"

// Standalone is an evaluator that needs no external decision service.
// It fails open: everything is allowed unless the edge carries the
// deny_all policy tag.
type Standalone struct{}

// NewStandalone creates the standalone evaluator.
func NewStandalone() *Standalone {
	return &Standalone{}
}

// Evaluate allows the node unless deny_all is among the policies.
func (s *Standalone) Evaluate(ctx context.Context, input Input) (bool, error) {
	for _, p := range input.Policies {
		if p == DenyAll {
			return false, nil
		}
	}
	return true, nil
}
