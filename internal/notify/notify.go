// Package notify delivers escalation alerts to operators.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
)

// Alerter delivers one alert. Implementations must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, a domain.Alert) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a domain.Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a domain.Alert) error { return f(ctx, a) }

// Log writes alerts to a structured logger at Warn level.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log { return &Log{logger: logger} }

func (l *Log) Alert(_ context.Context, a domain.Alert) error {
	l.logger.Warn("escalation threshold breached",
		slog.String("task_id", a.TaskID),
		slog.String("task_type", a.TaskType),
		slog.String("agent_id", a.AgentID),
		slog.String("status", string(a.Status)),
		slog.Duration("elapsed", a.Elapsed),
		slog.Duration("threshold", a.Threshold),
	)
	return nil
}

// Multi delivers to every alerter and joins their errors. A failing alerter
// does not stop delivery to the rest.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retrying retries a network alerter a few times before giving up.
type Retrying struct {
	next Alerter
	cfg  retry.Config
}

func NewRetrying(next Alerter, cfg retry.Config) *Retrying {
	if cfg.MaxAttempts == 0 {
		cfg = retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	return &Retrying{next: next, cfg: cfg}
}

func (r *Retrying) Alert(ctx context.Context, a domain.Alert) error {
	return retry.Do(ctx, r.cfg, func() error { return r.next.Alert(ctx, a) })
}
