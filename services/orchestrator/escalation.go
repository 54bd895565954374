package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// EscalationReport summarises one escalation scan.
type EscalationReport struct {
	Escalated int
	Failed    int
	Alerted   int
}

// EscalationTick scans every unfinished task for a stalled updatedAt. A
// breach escalates the task one tier up, or fails it once it has been
// escalated more than the configured maximum. Agents that opted out of
// auto-escalation get one alert per breach instead.
func (e *Engine) EscalationTick(ctx context.Context, now time.Time) EscalationReport {
	var rep EscalationReport
	var alerts []domain.Alert
	var failed []string

	_ = e.update(now, func(tx *txn) error {
		for _, t := range e.unfinished() {
			owner := e.agents[t.AssignedTo]
			threshold := e.defaultThreshold
			auto := true
			if owner != nil && t.Status.IsInFlight() {
				auto = owner.profile.AutoEscalate
				if d := owner.profile.EscalationThreshold(); d > 0 {
					threshold = d
				}
			}
			elapsed := now.Sub(t.UpdatedAt)
			if elapsed <= threshold {
				continue
			}

			if !auto {
				if at, ok := e.alerted[t.ID]; ok && at.Equal(t.UpdatedAt) {
					continue
				}
				e.alerted[t.ID] = t.UpdatedAt
				alerts = append(alerts, domain.Alert{
					TaskID:    t.ID,
					TaskType:  t.Type,
					Title:     t.Title,
					Priority:  t.Priority,
					Status:    t.Status,
					AgentID:   t.AssignedTo,
					Elapsed:   elapsed,
					Threshold: threshold,
					RaisedAt:  now,
				})
				continue
			}

			if e.escalate(tx, t, elapsed, threshold) {
				rep.Failed++
				failed = append(failed, t.ID)
			} else {
				rep.Escalated++
			}
		}
		return nil
	})

	telemetry.Escalations.WithLabelValues("escalated").Add(float64(rep.Escalated))
	telemetry.Escalations.WithLabelValues("exhausted").Add(float64(rep.Failed))
	for _, id := range failed {
		e.logger.Warn("escalations exhausted, task failed", slog.String("task_id", id))
	}

	for _, a := range alerts {
		e.logger.Warn("escalation breach, alerting",
			slog.String("task_id", a.TaskID),
			slog.String("agent_id", a.AgentID),
			slog.Duration("elapsed", a.Elapsed),
		)
		telemetry.Escalations.WithLabelValues("alerted").Inc()
		if err := e.alerter.Alert(ctx, a); err != nil {
			telemetry.AlertDeliveryFailures.Inc()
			e.logger.Error("alert delivery failed", slog.String("task_id", a.TaskID), slog.String("error", err.Error()))
		}
		rep.Alerted++
	}
	return rep
}

// unfinished returns non-terminal tasks oldest first, so promoted tasks keep
// their relative order in the new tier. Called with e.mu held.
func (e *Engine) unfinished() []*domain.Task {
	out := make([]*domain.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// escalate applies one breach to t and reports whether it exhausted the
// task. Called with e.mu held.
func (e *Engine) escalate(tx *txn, t *domain.Task, elapsed, threshold time.Duration) bool {
	owner := t.AssignedTo
	reason := "stalled " + elapsed.Round(time.Second).String() + " > " + threshold.String()

	e.queue.Remove(t.ID)
	tx.release(t)
	t.AssignedTo = ""
	t.Escalations++

	if t.Escalations > e.maxEscalations {
		if t.Status != domain.StatusEscalated {
			_ = tx.move(t, domain.StatusEscalated, owner, reason)
		}
		exhausted := &domain.EscalationExhaustedError{TaskID: t.ID, Escalations: t.Escalations - 1}
		t.Reason = exhausted.Error()
		_ = tx.move(t, domain.StatusFailed, owner, exhausted.Error())
		e.metrics.RecordFailed(owner, t.Type)
		telemetry.TasksFinished.WithLabelValues(owner, string(domain.StatusFailed)).Inc()
		return true
	}

	t.Priority = t.Priority.Promote()
	_ = tx.move(t, domain.StatusEscalated, owner, reason)
	_ = e.queue.Enqueue(t)
	tx.wake = true
	return false
}
