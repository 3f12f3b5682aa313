package workflow

import (
	"context"
	"fmt"

	"github.com/lirancohen/baton/policy"
)

// CheckFunc is a deterministic override for policy evaluation, used for
// tests and bypass wiring. When set on a Guard, the external evaluator is
// never invoked.
type CheckFunc func(wctx *Context, node Node, policies []string, edge Edge) bool

// Guard gates entry into each node. It builds a decision document from the
// node identity, a read-only view of the context bag, the policy ids for the
// edge leading to the node, and the edge record itself, then delegates to a
// policy.Evaluator.
type Guard struct {
	evaluator policy.Evaluator
	checkFn   CheckFunc
}

// NewGuard creates a guard backed by the given evaluator. A nil evaluator
// falls back to the standalone evaluator (fail-open unless deny_all).
func NewGuard(evaluator policy.Evaluator) *Guard {
	if evaluator == nil {
		evaluator = policy.NewStandalone()
	}
	return &Guard{evaluator: evaluator}
}

// NewGuardFunc creates a guard driven entirely by a deterministic function.
func NewGuardFunc(fn CheckFunc) *Guard {
	return &Guard{checkFn: fn}
}

// Check reports whether the node may run. A denial is a normal outcome, not
// an error; errors indicate the evaluator itself failed, and propagate so
// the caller can choose fail-open or fail-closed handling.
func (g *Guard) Check(ctx context.Context, wctx *Context, node Node, policies []string, edge Edge) (bool, error) {
	if g.checkFn != nil {
		return g.checkFn(wctx, node, policies, edge), nil
	}

	input := policy.Input{
		Node: policy.NodeInfo{
			ID:   node.ID(),
			Name: node.Name(),
			Kind: string(node.Kind()),
		},
		Ctx:      policy.BagInfo{Bag: copyBag(wctx.Bag)},
		Policies: policies,
		Edge: policy.EdgeInfo{
			From:     edge.From,
			To:       edge.To,
			Policies: edge.Policies,
		},
	}

	allowed, err := g.evaluator.Evaluate(ctx, input)
	if err != nil {
		return false, fmt.Errorf("evaluate policies for node %q: %w", node.ID(), err)
	}
	return allowed, nil
}
