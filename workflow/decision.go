package workflow

// DecisionRecord is the audit value object produced per node execution.
// It is created by the engine, never mutated after emission, and handed to
// an external audit sink fire-and-forget: sink failures never affect the
// run that produced the record.
type DecisionRecord struct {
	CorrelationID string `json:"correlation_id"`
	WorkflowID    string `json:"workflow_id"`
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
	NodeKind      string `json:"node_kind"`

	// Allowed records the guard's verdict for this step.
	Allowed bool `json:"allowed"`

	// PoliciesApplied lists the policy ids consulted for the step.
	PoliciesApplied []string `json:"policies_applied"`

	// InputSnapshot and OutputSnapshot are shallow copies of the context
	// bag and the stamped event payload at decision time.
	InputSnapshot  map[string]any `json:"input_snapshot"`
	OutputSnapshot map[string]any `json:"output_snapshot"`

	// Optional execution metadata for model-backed nodes.
	ModelInfo map[string]any   `json:"model_info"`
	ToolCalls []map[string]any `json:"tool_calls"`
	Cost      map[string]any   `json:"cost"`
	LatencyMS float64          `json:"latency_ms"`
}

// DecisionFunc receives decision records as node steps complete.
type DecisionFunc func(DecisionRecord)
