// Package capability connects the orchestrator to the automation behind each
// agent. The orchestrator only hands work off; outcomes come back later as
// domain.Outcome reports.
package capability

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Reason tells the capability why it is being invoked.
type Reason string

const (
	ReasonAssigned Reason = "assigned"
	ReasonReplied  Reason = "replied"
)

// Invocation is the unit handed to an agent's capability. Message carries
// the external reply when Reason is ReasonReplied.
type Invocation struct {
	Reason  Reason        `json:"reason"`
	Task    *domain.Task  `json:"task"`
	Agent   *domain.Agent `json:"agent"`
	Message string        `json:"message,omitempty"`
}

// Capability performs an agent's work out of band. Invoke returns as soon as
// the work is handed off; a non-nil error means it could not be initiated.
type Capability interface {
	Invoke(ctx context.Context, inv Invocation) error
	// Ping reports whether the capability can accept work again.
	Ping(ctx context.Context) error
}

// Registry maps agent IDs to their capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds a capability to an agent, replacing any previous binding.
// Safe to call concurrently.
func (r *Registry) Register(agentID string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[agentID] = c
}

// Get returns the capability bound to agentID.
// Returns AgentNotFoundError if none is bound.
func (r *Registry) Get(agentID string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[agentID]
	if !ok {
		return nil, &domain.AgentNotFoundError{AgentID: agentID}
	}
	return c, nil
}

// Func adapts a function to Capability. Ping always succeeds.
type Func func(ctx context.Context, inv Invocation) error

func (f Func) Invoke(ctx context.Context, inv Invocation) error { return f(ctx, inv) }
func (f Func) Ping(context.Context) error                       { return nil }
