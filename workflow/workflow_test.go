package workflow

import (
	"context"
	"reflect"
	"testing"
)

func noop(ctx context.Context, wctx *Context) (map[string]any, error) {
	return nil, nil
}

func TestPoliciesFor(t *testing.T) {
	wf := New("wf",
		[]Node{NewTask("a", "A", noop), NewTask("b", "B", noop)},
		Edge{From: "a", To: "b", Policies: []string{"p1", "p2"}},
		Edge{From: "start", To: "b", Policies: []string{"p3"}},
		Edge{To: "a", Policies: []string{"pa"}},
	)

	tests := []struct {
		name   string
		nodeID string
		want   []string
	}{
		{"union over all edges in edge order", "b", []string{"p1", "p2", "p3"}},
		{"single edge", "a", []string{"pa"}},
		{"no edges", "c", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wf.PoliciesFor(tt.nodeID)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PoliciesFor(%q) = %v, want %v", tt.nodeID, got, tt.want)
			}
		})
	}
}

func TestEdgeFor(t *testing.T) {
	wf := New("wf",
		[]Node{NewTask("b", "B", noop)},
		Edge{From: "a", To: "b", Policies: []string{"p1"}},
		Edge{From: "start", To: "b", Policies: []string{"p2"}},
	)

	got := wf.EdgeFor("b")
	if got.From != "a" {
		t.Errorf("EdgeFor(b).From = %q, want first matching edge %q", got.From, "a")
	}
	if !reflect.DeepEqual(got.Policies, []string{"p1"}) {
		t.Errorf("EdgeFor(b).Policies = %v, want [p1]", got.Policies)
	}

	zero := wf.EdgeFor("missing")
	if zero.To != "" || zero.From != "" || zero.Policies != nil {
		t.Errorf("EdgeFor(missing) = %+v, want zero Edge", zero)
	}
}

func TestNodeByID(t *testing.T) {
	a := NewTask("a", "A", noop)
	wf := New("wf", []Node{a})

	got, ok := wf.NodeByID("a")
	if !ok || got.ID() != "a" {
		t.Errorf("NodeByID(a) = %v, %v; want node a, true", got, ok)
	}

	if _, ok := wf.NodeByID("missing"); ok {
		t.Error("NodeByID(missing) ok = true, want false")
	}
}
