package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/kafka"
)

const (
	// IntakeTopic carries task submissions from channels and CRM workflows.
	IntakeTopic = "tasks.submitted"
	// ResultsTopic carries outcome reports from out-of-process agents.
	ResultsTopic = "agents.results"
)

// Submitter accepts new tasks.
type Submitter interface {
	Submit(ctx context.Context, t *domain.Task) (*domain.Task, error)
}

// IntakeHandler submits each message as a task. Malformed or invalid
// submissions are discarded; anything else is left uncommitted.
func IntakeHandler(sub Submitter, logger *slog.Logger) kafka.HandlerFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.intake")
		defer span.End()

		var t domain.Task
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			return kafka.Discard(fmt.Errorf("decode submission: %w", err))
		}
		out, err := sub.Submit(ctx, &t)
		if err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				return kafka.Discard(err)
			}
			return err
		}
		span.SetAttributes(attribute.String("task.id", out.ID))
		logger.Debug("task submitted from kafka", slog.String("task_id", out.ID), slog.Int64("offset", msg.Offset))
		return nil
	}
}

// OutcomeApplier applies agent reports.
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, o domain.Outcome) error
}

// ResultsHandler applies each outcome report. Reports that can never apply
// (malformed, unknown task, stale assignee, terminal task) are discarded.
func ResultsHandler(app OutcomeApplier) kafka.HandlerFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.result")
		defer span.End()

		var o domain.Outcome
		if err := json.Unmarshal(msg.Value, &o); err != nil {
			return kafka.Discard(fmt.Errorf("decode outcome: %w", err))
		}
		span.SetAttributes(
			attribute.String("task.id", o.TaskID),
			attribute.String("outcome", string(o.Kind)),
		)
		err := app.ApplyOutcome(ctx, o)
		var ve *domain.ValidationError
		if err != nil && (domain.IsNotFound(err) || domain.IsConflict(err) || errors.As(err, &ve)) {
			return kafka.Discard(err)
		}
		return err
	}
}
