package domain

import "fmt"

// OutcomeKind is what an agent reports back about a task it was given.
type OutcomeKind string

const (
	OutcomeCompleted        OutcomeKind = "completed"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeAwaitingResponse OutcomeKind = "awaiting_response"
	// OutcomeReplied is the external reply to an awaiting_response task.
	OutcomeReplied OutcomeKind = "replied"
)

// Outcome is an asynchronous report on a dispatched task. AgentID is
// optional; when set it must match the current assignee.
type Outcome struct {
	TaskID  string      `json:"task_id"`
	AgentID string      `json:"agent_id,omitempty"`
	Kind    OutcomeKind `json:"outcome"`
	Result  string      `json:"result,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Validate checks the outcome is well formed.
func (o *Outcome) Validate() error {
	if o.TaskID == "" {
		return &ValidationError{Field: "task_id", Reason: "is required"}
	}
	switch o.Kind {
	case OutcomeCompleted, OutcomeFailed, OutcomeAwaitingResponse, OutcomeReplied:
		return nil
	}
	return &ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", o.Kind)}
}
