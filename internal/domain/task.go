package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is a task's scheduling tier. Urgent > High > Medium > Low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists every tier from highest to lowest.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns 0 for urgent through 3 for low, or -1 for an unknown priority.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return -1
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Promote returns the next higher tier. Urgent stays urgent.
func (p Priority) Promote() Priority {
	r := p.Rank()
	if r <= 0 {
		return PriorityUrgent
	}
	return Priorities[r-1]
}

// ParsePriority parses a case-insensitive tier name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

// Status represents the states a task can be in.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusEscalated        Status = "escalated"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight reports whether a task in this state counts against its agent's
// concurrency ceiling.
func (s Status) IsInFlight() bool {
	return s == StatusInProgress || s == StatusAwaitingResponse
}

// IsQueued reports whether a task in this state waits in the queue.
func (s Status) IsQueued() bool {
	return s == StatusPending || s == StatusEscalated
}

// A queued escalated task that breaches again is re-escalated, hence
// escalated → escalated.
var transitions = map[Status][]Status{
	StatusPending:          {StatusInProgress, StatusEscalated},
	StatusInProgress:       {StatusCompleted, StatusFailed, StatusAwaitingResponse, StatusEscalated},
	StatusAwaitingResponse: {StatusInProgress, StatusEscalated},
	StatusEscalated:        {StatusInProgress, StatusFailed, StatusEscalated},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Default task categories for the estate-agency back office.
const (
	TypePropertyEnquiry    = "property_enquiry"
	TypeViewingRequest     = "viewing_request"
	TypeMaintenanceRequest = "maintenance_request"
	TypeValuationFollowUp  = "valuation_follow_up"
	TypeLeadQualification  = "lead_qualification"
	TypeOfferProgression   = "offer_progression"
	TypeTenancyRenewal     = "tenancy_renewal"
	TypeRentArrears        = "rent_arrears"
	TypeMarketingCampaign  = "marketing_campaign"
	TypeGeneralEnquiry     = "general_enquiry"
)

// DefaultTaskTypes is the catalogue used when none is configured.
var DefaultTaskTypes = []string{
	TypePropertyEnquiry, TypeViewingRequest, TypeMaintenanceRequest,
	TypeValuationFollowUp, TypeLeadQualification, TypeOfferProgression,
	TypeTenancyRenewal, TypeRentArrears, TypeMarketingCampaign, TypeGeneralEnquiry,
}

// Task is a unit of work handed to an agent.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Channel     string          `json:"channel,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AssignedTo  string          `json:"assignedTo"`
	Escalations int             `json:"escalations"`
	Result      string          `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	History     []Transition    `json:"history,omitempty"`
}

// Transition records one status change of a task.
type Transition struct {
	TaskID  string    `json:"taskId"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	AgentID string    `json:"agentId,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Validate checks the fields a submitter must provide against the given
// task-type catalogue.
func (t *Task) Validate(known map[string]bool) error {
	if strings.TrimSpace(t.Type) == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if len(known) > 0 && !known[t.Type] {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", t.Type)}
	}
	if t.Priority == "" {
		return &ValidationError{Field: "priority", Reason: "is required"}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", t.Priority)}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the engine.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	c.History = append([]Transition(nil), t.History...)
	return &c
}
