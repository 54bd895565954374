package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// pendingInvocation is a claim made under the lock, invoked after release.
type pendingInvocation struct {
	inv capability.Invocation
	// prev is the queued status the task had before the claim.
	prev domain.Status
	// claim is the history length right after the claim; a later claim of
	// the same task by the same agent has a longer history.
	claim int
}

// DispatchTick assigns as many queued tasks as agents can take right now,
// urgent tier first, FIFO within a tier. It returns the number of tasks
// assigned. Capability calls start after the tick releases the lock and do
// not block it.
func (e *Engine) DispatchTick(ctx context.Context, now time.Time) int {
	if !e.processing.Load() {
		return 0
	}

	var claims []pendingInvocation
	_ = e.update(now, func(tx *txn) error {
		for _, p := range domain.Priorities {
			for {
				var agent *agentState
				t, ok := e.queue.PeekEligibleIn(p, func(t *domain.Task) bool {
					if t.Status.IsTerminal() {
						return true
					}
					agent = e.pickAgent(t, now)
					return agent != nil
				})
				if !ok {
					break
				}
				if t.Status.IsTerminal() {
					// Never dispatchable; a queued task is not supposed to finish.
					e.logger.Error("dropping finished task from queue",
						slog.String("task_id", t.ID),
						slog.String("status", string(t.Status)),
					)
					e.queue.Remove(t.ID)
					continue
				}
				// Removal from the queue is the commit point of a claim.
				if !e.queue.Remove(t.ID) {
					continue
				}
				prev := t.Status
				reason := "assigned"
				if prev == domain.StatusEscalated {
					reason = "reassigned"
				}
				t.AssignedTo = agent.profile.ID
				if err := tx.move(t, domain.StatusInProgress, agent.profile.ID, reason); err != nil {
					// Unreachable for queued tasks; put it back rather than lose it.
					e.logger.Error("claim rejected", slog.String("task_id", t.ID), slog.String("error", err.Error()))
					t.AssignedTo = ""
					_ = e.queue.PushFront(t)
					break
				}
				agent.inFlight[t.ID] = struct{}{}
				claims = append(claims, pendingInvocation{
					inv: capability.Invocation{
						Reason: capability.ReasonAssigned,
						Task:   t.Clone(),
						Agent:  cloneAgent(&agent.profile),
					},
					prev:  prev,
					claim: len(t.History),
				})
			}
		}
		return nil
	})

	for _, c := range claims {
		telemetry.TasksDispatched.WithLabelValues(c.inv.Agent.ID).Inc()
		e.logger.Info("task assigned",
			slog.String("task_id", c.inv.Task.ID),
			slog.String("agent_id", c.inv.Agent.ID),
			slog.String("priority", string(c.inv.Task.Priority)),
		)
		e.invoke(ctx, c)
	}
	return len(claims)
}

// pickAgent chooses among eligible, available agents: fewest in-flight
// tasks, then best success rate for the task type, then lowest ID.
// Called with e.mu held.
func (e *Engine) pickAgent(t *domain.Task, now time.Time) *agentState {
	var best *agentState
	var bestRate float64
	for _, a := range e.agents {
		if a.unreachable || !a.profile.IsEligible(t) || !a.profile.IsAvailable(now, len(a.inFlight)) {
			continue
		}
		rate := e.metrics.SuccessRateFor(a.profile.ID, t.Type)
		if best == nil || better(a, rate, best, bestRate) {
			best, bestRate = a, rate
		}
	}
	return best
}

func better(a *agentState, aRate float64, b *agentState, bRate float64) bool {
	if len(a.inFlight) != len(b.inFlight) {
		return len(a.inFlight) < len(b.inFlight)
	}
	if aRate != bRate {
		return aRate > bRate
	}
	return a.profile.ID < b.profile.ID
}

// invoke hands the claim to the agent's capability in the background. The
// call outlives ctx cancellation but is bounded by the invoke timeout.
func (e *Engine) invoke(ctx context.Context, c pendingInvocation) {
	e.invocations.Add(1)
	go func() {
		defer e.invocations.Done()

		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.invokeTimeout)
		defer cancel()
		ictx, span := otel.Tracer("orchestrator").Start(ictx, "orchestrator.invoke")
		defer span.End()
		span.SetAttributes(
			attribute.String("task.id", c.inv.Task.ID),
			attribute.String("agent.id", c.inv.Agent.ID),
			attribute.String("invoke.reason", string(c.inv.Reason)),
		)

		err := e.call(ictx, c.inv)
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "capability unreachable")
		e.rollback(c, &domain.CapabilityUnreachableError{AgentID: c.inv.Agent.ID, Err: err})
	}()
}

func (e *Engine) call(ctx context.Context, inv capability.Invocation) error {
	cp, err := e.caps.Get(inv.Agent.ID)
	if err != nil {
		return err
	}
	return cp.Invoke(ctx, inv)
}

// rollback undoes a claim whose invocation could not be initiated. A fresh
// assignment returns the task to the front of its tier; a reply returns it
// to awaiting_response. The agent stops receiving work until a health check
// succeeds.
func (e *Engine) rollback(c pendingInvocation, cause *domain.CapabilityUnreachableError) {
	taskID, agentID := c.inv.Task.ID, c.inv.Agent.ID
	_ = e.update(e.now().UTC(), func(tx *txn) error {
		if a, ok := e.agents[agentID]; ok {
			a.unreachable = true
		}
		t, ok := e.tasks[taskID]
		// The task may have moved on, or been claimed again, since this claim.
		if !ok || t.Status != domain.StatusInProgress || t.AssignedTo != agentID || len(t.History) != c.claim {
			return nil
		}
		if c.inv.Reason == capability.ReasonReplied {
			return tx.move(t, domain.StatusAwaitingResponse, agentID, cause.Error())
		}
		tx.release(t)
		t.AssignedTo = ""
		tx.record(t, domain.StatusInProgress, c.prev, agentID, cause.Error())
		if err := e.queue.PushFront(t); err != nil {
			e.logger.Error("requeue failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
		return nil
	})

	telemetry.CapabilityUnreachable.WithLabelValues(agentID).Inc()
	e.logger.Warn("capability unreachable, task requeued",
		slog.String("task_id", taskID),
		slog.String("agent_id", agentID),
		slog.String("error", cause.Err.Error()),
	)
}
