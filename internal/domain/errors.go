package domain

import (
	"errors"
	"fmt"
)

// ValidationError is returned when a task or agent profile is malformed.
// Rejected tasks are never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// AgentNotFoundError is returned when an agent ID is not configured.
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.AgentID)
}

// NoEligibleAgentError describes a task that stays queued because no
// on-duty agent can serve it. It is never returned to a submitter.
type NoEligibleAgentError struct {
	TaskID   string
	TaskType string
}

func (e *NoEligibleAgentError) Error() string {
	return fmt.Sprintf("no eligible agent for task %s of type %q", e.TaskID, e.TaskType)
}

// CapabilityUnreachableError is returned when an agent's capability could not
// even be invoked. The task is requeued and the agent parked until a health
// check succeeds.
type CapabilityUnreachableError struct {
	AgentID string
	Err     error
}

func (e *CapabilityUnreachableError) Error() string {
	return fmt.Sprintf("capability for agent %s unreachable: %v", e.AgentID, e.Err)
}

func (e *CapabilityUnreachableError) Unwrap() error { return e.Err }

// TaskAlreadyTerminalError is returned for any mutation of a completed or
// failed task.
type TaskAlreadyTerminalError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %s already terminal with status %s", e.TaskID, e.Status)
}

// InvalidTransitionError is returned when a report does not fit the state
// machine, e.g. completing a task that is awaiting a reply.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// AssignmentMismatchError is returned when an agent reports on a task that is
// no longer assigned to it (typically after escalation reassigned it).
type AssignmentMismatchError struct {
	TaskID     string
	AgentID    string
	AssignedTo string
}

func (e *AssignmentMismatchError) Error() string {
	return fmt.Sprintf("task %s is assigned to %q, not %q", e.TaskID, e.AssignedTo, e.AgentID)
}

// EscalationExhaustedError is the failure reason recorded when a task breaches
// its threshold more times than allowed.
type EscalationExhaustedError struct {
	TaskID      string
	Escalations int
}

func (e *EscalationExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d escalations", e.TaskID, e.Escalations)
}

// RateLimitExceededError is returned when a task type exceeds its submission rate.
type RateLimitExceededError struct {
	TaskType string
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for task type %q: limit is %d", e.TaskType, e.Limit)
}

// IsNotFound reports whether err is a task or agent lookup miss.
func IsNotFound(err error) bool {
	var tnf *TaskNotFoundError
	var anf *AgentNotFoundError
	return errors.As(err, &tnf) || errors.As(err, &anf)
}

// IsConflict reports whether err rejects a mutation because of task state.
func IsConflict(err error) bool {
	var term *TaskAlreadyTerminalError
	var tr *InvalidTransitionError
	var mm *AssignmentMismatchError
	return errors.As(err, &term) || errors.As(err, &tr) || errors.As(err, &mm)
}
