// Package workflow provides the node and graph types and the execution
// engine for Baton's event-sourced agentic pipelines.
package workflow

// BagCorrelationID is the context bag key holding the run's correlation id.
const BagCorrelationID = "correlation_id"

// Context is the mutable per-run key/value bag passed by reference through
// one Start/Resume call. It holds at minimum the correlation id and any
// approval flags. The bag is owned exclusively by the caller executing the
// run; the engine never persists it - only node outputs become events.
type Context struct {
	Bag map[string]any
}

// NewContext creates a Context with an empty bag.
func NewContext() *Context {
	return &Context{Bag: make(map[string]any)}
}

// CorrelationID returns the correlation id from the bag, if present.
func (c *Context) CorrelationID() (string, bool) {
	id, ok := c.Bag[BagCorrelationID].(string)
	return id, ok && id != ""
}

// copyBag returns a shallow copy of a payload-like map, used for read-only
// views in policy input documents and decision record snapshots.
func copyBag(bag map[string]any) map[string]any {
	snapshot := make(map[string]any, len(bag))
	for k, v := range bag {
		snapshot[k] = v
	}
	return snapshot
}
