// Package scheduler submits recurring tasks from the scheduled_jobs table.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// DefaultInterval is how often due jobs are polled.
const DefaultInterval = 15 * time.Second

// JobStore lists due jobs and records their runs.
type JobStore interface {
	Due(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error)
	MarkRun(ctx context.Context, id string, ranAt, next time.Time) error
}

// Leader is a renewable lease. Only one instance fires jobs at a time.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Submitter accepts the tasks a job produces.
type Submitter interface {
	Submit(ctx context.Context, t *domain.Task) (*domain.Task, error)
}

// Scheduler fires cron jobs while holding leadership.
type Scheduler struct {
	jobs     JobStore
	leader   Leader
	submit   Submitter
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	leading bool
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option   { return func(s *Scheduler) { s.interval = d } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func NewScheduler(jobs JobStore, leader Leader, submit Submitter, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     jobs,
		leader:   leader,
		submit:   submit,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run is the polling loop. It blocks until ctx is cancelled, then releases
// leadership if held.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if s.leading {
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := s.leader.Release(relCtx); err != nil {
					s.logger.Warn("release leadership", slog.String("error", err.Error()))
				}
				cancel()
			}
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job if this instance is the leader. It returns the
// number of tasks submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		return 0
	}
	if ok != s.leading {
		s.logger.Info("scheduler leadership changed", slog.Bool("leader", ok))
		s.leading = ok
	}
	if !ok {
		return 0
	}

	now := s.now().UTC()
	jobs, err := s.jobs.Due(ctx, now)
	if err != nil {
		s.logger.Error("load due jobs", slog.String("error", err.Error()))
		return 0
	}
	fired := 0
	for _, job := range jobs {
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		fired++
	}
	return fired
}

func (s *Scheduler) runJob(ctx context.Context, job domain.ScheduledJob, now time.Time) error {
	schedule, err := cron.ParseStandard(job.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", job.CronExpr, err)
	}
	next := schedule.Next(now)

	title := job.Title
	if title == "" {
		title = job.Name
	}
	priority := job.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	task, err := s.submit.Submit(ctx, &domain.Task{
		Type:     job.TaskType,
		Title:    title,
		Priority: priority,
		Payload:  job.Payload,
	})
	if err != nil {
		return fmt.Errorf("submit task for job %q: %w", job.Name, err)
	}
	if err := s.jobs.MarkRun(ctx, job.ID, now, next); err != nil {
		return fmt.Errorf("update job %q: %w", job.Name, err)
	}

	s.logger.Info("scheduled job fired",
		slog.String("job", job.Name),
		slog.String("task_id", task.ID),
		slog.String("task_type", job.TaskType),
		slog.Time("next_run", next),
	)
	return nil
}
