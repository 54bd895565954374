package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Intervals controls the supervisor's loops.
type Intervals struct {
	Dispatch   time.Duration
	Escalation time.Duration
	Health     time.Duration
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Dispatch <= 0 {
		iv.Dispatch = 2 * time.Second
	}
	if iv.Escalation <= 0 {
		iv.Escalation = 30 * time.Second
	}
	if iv.Health <= 0 {
		iv.Health = 15 * time.Second
	}
	return iv
}

// Supervisor is the control surface over an Engine: it starts and stops the
// dispatch, escalation and health loops and serves the status projection.
type Supervisor struct {
	engine    *Engine
	intervals Intervals
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(engine *Engine, intervals Intervals, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		engine:    engine,
		intervals: intervals.withDefaults(),
		logger:    logger,
		now:       engine.now,
	}
}

// Start begins processing. It is idempotent and reports whether this call
// changed state. The loops run until Stop.
func (s *Supervisor) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.engine.SetProcessing(true)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.dispatchLoop(ctx) }()
	go func() { defer wg.Done(); s.escalationLoop(ctx) }()
	go func() { defer wg.Done(); s.healthLoop(ctx) }()
	go func(done chan struct{}) { wg.Wait(); close(done) }(s.done)

	s.logger.Info("processing started",
		slog.Duration("dispatch_interval", s.intervals.Dispatch),
		slog.Duration("escalation_interval", s.intervals.Escalation),
	)
	return true
}

// Stop halts new dispatch ticks and waits for the loops to exit. In-flight
// tasks are not cancelled. It is idempotent and reports whether this call
// changed state.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.engine.SetProcessing(false)
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.logger.Info("processing stopped")
	return true
}

func (s *Supervisor) Processing() bool { return s.engine.Processing() }

// Submit validates and enqueues a task.
func (s *Supervisor) Submit(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	return s.engine.Submit(ctx, t)
}

func (s *Supervisor) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Dispatch)
	defer ticker.Stop()

	s.engine.DispatchTick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.engine.Wake():
		}
		s.engine.DispatchTick(ctx, s.now())
	}
}

func (s *Supervisor) escalationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Escalation)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := s.engine.EscalationTick(ctx, s.now())
			if rep != (EscalationReport{}) {
				s.logger.Info("escalation scan",
					slog.Int("escalated", rep.Escalated),
					slog.Int("failed", rep.Failed),
					slog.Int("alerted", rep.Alerted),
				)
			}
		}
	}
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Health)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.HealthTick(ctx, s.intervals.Health/2)
		}
	}
}

// SupervisorStatus aggregates across agents.
type SupervisorStatus struct {
	TotalAgents         int     `json:"totalAgents"`
	ActiveAgents        int     `json:"activeAgents"`
	TotalTasksProcessed int64   `json:"totalTasksProcessed"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	OverallSuccessRate  float64 `json:"overallSuccessRate"`
}

// SystemStatus is the dashboard's status document.
type SystemStatus struct {
	Orchestrator QueueStatus          `json:"orchestrator"`
	Supervisor   SupervisorStatus     `json:"supervisor"`
	Agents       map[string]AgentView `json:"agents"`
}

// Status is computed fresh from current state on every call.
func (s *Supervisor) Status() SystemStatus {
	agents := s.engine.Agents(s.now())
	sys := s.engine.Metrics().System()

	st := SystemStatus{
		Orchestrator: s.engine.QueueStatus(),
		Supervisor: SupervisorStatus{
			TotalAgents:         len(agents),
			TotalTasksProcessed: sys.TotalTasksProcessed,
			AverageResponseTime: sys.AverageResponseTimeMs,
			OverallSuccessRate:  sys.OverallSuccessRate,
		},
		Agents: make(map[string]AgentView, len(agents)),
	}
	for _, a := range agents {
		if a.IsActive {
			st.Supervisor.ActiveAgents++
		}
		st.Agents[a.ID] = a
	}
	return st
}
