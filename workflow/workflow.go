package workflow

// Edge maps a target node to the policy identifiers gating entry into it.
// From is informational; policy resolution only matches on To.
type Edge struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to"`
	Policies []string `json:"policies"`
}

// Workflow is an ordered sequence of nodes plus an edge list carrying
// edge-scoped policy tags. Nodes execute strictly in slice order; a node
// with no edges is always allowed, subject to the guard's default.
type Workflow struct {
	ID    string
	Nodes []Node
	Edges []Edge
}

// New creates a workflow definition.
func New(id string, nodes []Node, edges ...Edge) *Workflow {
	return &Workflow{ID: id, Nodes: nodes, Edges: edges}
}

// PoliciesFor returns the union of policies over all edges targeting the
// node, in edge-list order.
func (w *Workflow) PoliciesFor(nodeID string) []string {
	var policies []string
	for _, e := range w.Edges {
		if e.To == nodeID {
			policies = append(policies, e.Policies...)
		}
	}
	return policies
}

// EdgeFor returns the first edge targeting the node, or a zero Edge if none.
//
// Note the asymmetry with PoliciesFor: when multiple edges target the same
// node, the guard sees the union of their policies but only the first edge
// record. This mirrors the observed behavior of the system this engine
// replays; unifying the two needs a product decision.
func (w *Workflow) EdgeFor(nodeID string) Edge {
	for _, e := range w.Edges {
		if e.To == nodeID {
			return e
		}
	}
	return Edge{}
}

// NodeByID returns the node with the given id, if present.
func (w *Workflow) NodeByID(nodeID string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID() == nodeID {
			return n, true
		}
	}
	return nil, false
}
