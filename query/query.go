// Package query derives run state from an event list. The engine keeps no
// persisted cursor or status row: everything a caller wants to know about a
// run's progress is recomputed from its events, which is what makes resume
// safe across process restarts.
package query

import "github.com/lirancohen/baton/event"

// RunStatus is the state of a workflow run as derived from its event log.
type RunStatus string

const (
	// StatusRunning means the run has events but has neither finished,
	// paused, nor been denied.
	StatusRunning RunStatus = "running"

	// StatusWaitingHuman means the run halted at a human.wait event and
	// needs an external resume to continue.
	StatusWaitingHuman RunStatus = "waiting_human"

	// StatusDenied means the run halted at a policy denial.
	StatusDenied RunStatus = "denied"

	// StatusCompleted means every node of the workflow is satisfied.
	StatusCompleted RunStatus = "completed"
)

// satisfying lists the event types that mark a node as done for resume.
var satisfying = map[event.EventType]struct{}{
	event.EventTaskCompleted:  {},
	event.EventAgentCompleted: {},
	event.EventHumanApproved:  {},
}

// SatisfiedNodes returns the set of node ids already satisfied by the given
// event list: the "node" payload field of every task.completed,
// agent.completed and human.approved event.
func SatisfiedNodes(events []event.Event) map[string]bool {
	done := make(map[string]bool)
	for _, e := range events {
		if _, ok := satisfying[e.Type]; !ok {
			continue
		}
		if node, ok := e.Payload["node"].(string); ok && node != "" {
			done[node] = true
		}
	}
	return done
}

// Status derives the run status from its events and the workflow's node ids
// in execution order. An empty event list is a run that has not started yet
// and reports StatusRunning.
func Status(events []event.Event, nodeIDs []string) RunStatus {
	if len(events) > 0 {
		switch events[len(events)-1].Type {
		case event.EventPolicyDenied:
			return StatusDenied
		case event.EventHumanWait:
			return StatusWaitingHuman
		}
	}

	done := SatisfiedNodes(events)
	for _, id := range nodeIDs {
		if !done[id] {
			return StatusRunning
		}
	}
	return StatusCompleted
}
