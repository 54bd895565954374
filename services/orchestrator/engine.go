// Package orchestrator owns task state: the queue, agent runtime state, the
// dispatcher, the escalation monitor and the supervisor that drives them.
//
// Every task and agent mutation goes through Engine.update, which holds the
// engine lock only for in-memory work. Capability calls, alerts and journal
// writes happen after the lock is released.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/notify"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// Capabilities resolves the capability bound to an agent.
type Capabilities interface {
	Get(agentID string) (capability.Capability, error)
}

// Journal receives a snapshot after every transition. Append must not block.
type Journal interface {
	Append(task *domain.Task, tr domain.Transition)
}

// Limiter guards submissions per task type.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type nopJournal struct{}

func (nopJournal) Append(*domain.Task, domain.Transition) {}

type agentState struct {
	profile     domain.Agent
	inFlight    map[string]struct{}
	unreachable bool
}

// Engine is the authoritative in-memory state of the orchestrator.
type Engine struct {
	mu          sync.Mutex
	queue       *queue.Queue
	tasks       map[string]*domain.Task
	agents      map[string]*agentState
	knownTypes  map[string]bool
	alerted     map[string]time.Time
	terminal    []string
	completed   int
	retention   int
	processing  atomic.Bool
	wake        chan struct{}
	invocations sync.WaitGroup

	metrics          *Aggregator
	caps             Capabilities
	alerter          notify.Alerter
	journal          Journal
	limiter          Limiter
	defaultThreshold time.Duration
	maxEscalations   int
	invokeTimeout    time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option            { return func(e *Engine) { e.logger = l } }
func WithAlerter(a notify.Alerter) Option         { return func(e *Engine) { e.alerter = a } }
func WithJournal(j Journal) Option                { return func(e *Engine) { e.journal = j } }
func WithLimiter(l Limiter) Option                { return func(e *Engine) { e.limiter = l } }
func WithClock(now func() time.Time) Option       { return func(e *Engine) { e.now = now } }
func WithMaxEscalations(n int) Option             { return func(e *Engine) { e.maxEscalations = n } }
func WithInvokeTimeout(d time.Duration) Option    { return func(e *Engine) { e.invokeTimeout = d } }
func WithDefaultThreshold(d time.Duration) Option { return func(e *Engine) { e.defaultThreshold = d } }

// WithTaskTypes restricts submissions to the given catalogue. An empty
// catalogue accepts any non-empty type.
func WithTaskTypes(types []string) Option {
	return func(e *Engine) {
		e.knownTypes = make(map[string]bool, len(types))
		for _, t := range types {
			e.knownTypes[t] = true
		}
	}
}

// WithRetention caps how many terminal tasks stay in memory. Older ones are
// evicted; their metrics are unaffected.
func WithRetention(n int) Option { return func(e *Engine) { e.retention = n } }

// NewEngine builds an engine over the given agent profiles.
func NewEngine(agents []domain.Agent, caps Capabilities, opts ...Option) (*Engine, error) {
	e := &Engine{
		queue:            queue.New(),
		tasks:            make(map[string]*domain.Task),
		agents:           make(map[string]*agentState),
		alerted:          make(map[string]time.Time),
		wake:             make(chan struct{}, 1),
		metrics:          NewAggregator(),
		caps:             caps,
		alerter:          notify.Multi{},
		journal:          nopJournal{},
		defaultThreshold: 15 * time.Minute,
		maxEscalations:   3,
		invokeTimeout:    10 * time.Second,
		retention:        10000,
		logger:           slog.Default(),
		now:              time.Now,
	}
	WithTaskTypes(domain.DefaultTaskTypes)(e)
	for _, opt := range opts {
		opt(e)
	}
	if err := e.UpsertAgents(agents); err != nil {
		return nil, err
	}
	return e, nil
}

// Metrics exposes the aggregator for read-only projections.
func (e *Engine) Metrics() *Aggregator { return e.metrics }

// Wake is signalled whenever dispatch may make progress: a task was
// enqueued, an agent freed a slot, or an agent came back.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// SetProcessing pauses or resumes dispatch. Outcomes are applied either way.
func (e *Engine) SetProcessing(on bool) {
	if e.processing.Swap(on) != on && on {
		e.signal()
	}
}

func (e *Engine) Processing() bool { return e.processing.Load() }

// Wait blocks until every capability invocation started so far has returned.
func (e *Engine) Wait() { e.invocations.Wait() }

// ─── mutation primitive ─────────────────────────────────────────────────────

type change struct {
	task *domain.Task
	tr   domain.Transition
}

// txn collects the snapshots produced inside one update.
type txn struct {
	e       *Engine
	now     time.Time
	changes []change
	wake    bool
}

// update runs fn under the engine lock and journals the snapshots it
// produced once the lock is released.
func (e *Engine) update(now time.Time, fn func(tx *txn) error) error {
	tx := &txn{e: e, now: now}
	err := func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		defer e.publishGauges()
		return fn(tx)
	}()

	for _, c := range tx.changes {
		e.journal.Append(c.task, c.tr)
	}
	if tx.wake {
		e.signal()
	}
	return err
}

// move applies one state-machine transition. Callers set any other fields
// (assignee, result, priority) before calling move so the snapshot carries them.
func (tx *txn) move(t *domain.Task, to domain.Status, agentID, reason string) error {
	if t.Status.IsTerminal() {
		return &domain.TaskAlreadyTerminalError{TaskID: t.ID, Status: t.Status}
	}
	if !domain.CanTransition(t.Status, to) {
		return &domain.InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	tx.record(t, t.Status, to, agentID, reason)
	return nil
}

// record stores the transition without consulting the state machine. Used
// directly only for creation and claim rollback.
func (tx *txn) record(t *domain.Task, from, to domain.Status, agentID, reason string) {
	tr := domain.Transition{TaskID: t.ID, From: from, To: to, AgentID: agentID, Reason: reason, At: tx.now}
	t.Status = to
	t.UpdatedAt = tx.now
	t.History = append(t.History, tr)
	if to.IsTerminal() {
		at := tx.now
		t.CompletedAt = &at
		tx.e.completedTask(t)
	}
	tx.changes = append(tx.changes, change{task: t.Clone(), tr: tr})
}

// completedTask tracks terminal tasks for the status projection and evicts
// the oldest once retention is exceeded. Called with e.mu held.
func (e *Engine) completedTask(t *domain.Task) {
	if t.Status == domain.StatusCompleted {
		e.completed++
	}
	delete(e.alerted, t.ID)
	e.terminal = append(e.terminal, t.ID)
	if e.retention > 0 && len(e.terminal) > e.retention {
		evict := len(e.terminal) - e.retention
		for _, id := range e.terminal[:evict] {
			delete(e.tasks, id)
		}
		e.terminal = append([]string(nil), e.terminal[evict:]...)
	}
}

// release removes the task from its agent's in-flight set.
func (tx *txn) release(t *domain.Task) {
	if a, ok := tx.e.agents[t.AssignedTo]; ok {
		if _, held := a.inFlight[t.ID]; held {
			delete(a.inFlight, t.ID)
			tx.wake = true
		}
	}
}

func (e *Engine) publishGauges() {
	for p, n := range e.queue.Counts() {
		telemetry.QueueDepth.WithLabelValues(string(p)).Set(float64(n))
	}
	for id, a := range e.agents {
		telemetry.AgentInFlight.WithLabelValues(id).Set(float64(len(a.inFlight)))
	}
}

// ─── submission ─────────────────────────────────────────────────────────────

// Submit validates t and enqueues it as pending. The caller's task is not
// retained; a snapshot of the stored task is returned.
func (e *Engine) Submit(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.submit")
	defer span.End()

	if err := t.Validate(e.knownTypes); err != nil {
		telemetry.TasksRejected.WithLabelValues("validation").Inc()
		return nil, err
	}
	if e.limiter != nil && e.limiter.Limit() > 0 {
		ok, err := e.limiter.Allow(ctx, "submit:"+t.Type)
		switch {
		case err != nil:
			e.logger.Warn("rate limiter unavailable, allowing submission",
				slog.String("task_type", t.Type),
				slog.String("error", err.Error()),
			)
		case !ok:
			telemetry.TasksRejected.WithLabelValues("rate_limited").Inc()
			return nil, &domain.RateLimitExceededError{TaskType: t.Type, Limit: e.limiter.Limit()}
		}
	}

	task := t.Clone()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.type", task.Type))

	now := e.now().UTC()
	var out *domain.Task
	err := e.update(now, func(tx *txn) error {
		if _, exists := e.tasks[task.ID]; exists {
			return &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("task %s already exists", task.ID)}
		}
		task.Status = ""
		task.AssignedTo = ""
		task.Escalations = 0
		task.Result, task.Reason = "", ""
		task.CompletedAt = nil
		task.History = nil
		task.CreatedAt = now
		if err := e.queue.Enqueue(task); err != nil {
			return err
		}
		e.tasks[task.ID] = task
		tx.record(task, "", domain.StatusPending, "", "submitted")
		tx.wake = true
		out = task.Clone()
		return nil
	})
	if err != nil {
		telemetry.TasksRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	telemetry.TasksSubmitted.WithLabelValues(out.Type, string(out.Priority)).Inc()
	e.logger.Info("task submitted",
		slog.String("task_id", out.ID),
		slog.String("task_type", out.Type),
		slog.String("priority", string(out.Priority)),
	)
	return out, nil
}

// ─── outcomes ───────────────────────────────────────────────────────────────

// owned returns the task if agentID may report moving it from → to. An
// empty agentID skips the assignee check.
func (e *Engine) owned(taskID, agentID string, from, to domain.Status) (*domain.Task, error) {
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	if t.Status.IsTerminal() {
		return nil, &domain.TaskAlreadyTerminalError{TaskID: t.ID, Status: t.Status}
	}
	// Agent reports apply only to held tasks; queued tasks belong to the
	// dispatcher and the escalation monitor.
	if t.Status != from {
		return nil, &domain.InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	if _, held := e.agents[t.AssignedTo]; !held {
		return nil, &domain.InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	if agentID != "" && agentID != t.AssignedTo {
		return nil, &domain.AssignmentMismatchError{TaskID: t.ID, AgentID: agentID, AssignedTo: t.AssignedTo}
	}
	return t, nil
}

// Complete marks an in_progress task completed and records the response
// time sample before returning.
func (e *Engine) Complete(ctx context.Context, taskID, agentID, result string) error {
	_, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.complete")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	var owner, taskType string
	var elapsed time.Duration
	err := e.update(e.now().UTC(), func(tx *txn) error {
		t, err := e.owned(taskID, agentID, domain.StatusInProgress, domain.StatusCompleted)
		if err != nil {
			return err
		}
		owner, taskType = t.AssignedTo, t.Type
		t.Result = result
		tx.release(t)
		if err := tx.move(t, domain.StatusCompleted, owner, "completed"); err != nil {
			return err
		}
		elapsed = t.CompletedAt.Sub(t.CreatedAt)
		e.metrics.RecordCompleted(owner, taskType, elapsed)
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.TasksFinished.WithLabelValues(owner, string(domain.StatusCompleted)).Inc()
	telemetry.TaskResponseSeconds.WithLabelValues(owner).Observe(elapsed.Seconds())
	e.logger.Info("task completed",
		slog.String("task_id", taskID),
		slog.String("agent_id", owner),
		slog.Int64("response_ms", elapsed.Milliseconds()),
	)
	return nil
}

// Fail marks an in_progress task failed. Business failures are terminal and
// never retried.
func (e *Engine) Fail(ctx context.Context, taskID, agentID, reason string) error {
	_, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.fail")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	var owner string
	err := e.update(e.now().UTC(), func(tx *txn) error {
		t, err := e.owned(taskID, agentID, domain.StatusInProgress, domain.StatusFailed)
		if err != nil {
			return err
		}
		owner = t.AssignedTo
		t.Reason = reason
		tx.release(t)
		if err := tx.move(t, domain.StatusFailed, owner, reason); err != nil {
			return err
		}
		e.metrics.RecordFailed(owner, t.Type)
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.TasksFinished.WithLabelValues(owner, string(domain.StatusFailed)).Inc()
	e.logger.Info("task failed",
		slog.String("task_id", taskID),
		slog.String("agent_id", owner),
		slog.String("reason", reason),
	)
	return nil
}

// AwaitResponse parks an in_progress task until an external reply arrives.
// The task keeps its agent slot.
func (e *Engine) AwaitResponse(_ context.Context, taskID, agentID, reason string) error {
	return e.update(e.now().UTC(), func(tx *txn) error {
		t, err := e.owned(taskID, agentID, domain.StatusInProgress, domain.StatusAwaitingResponse)
		if err != nil {
			return err
		}
		return tx.move(t, domain.StatusAwaitingResponse, t.AssignedTo, reason)
	})
}

// Reply resumes an awaiting_response task and re-invokes its agent with the
// reply message.
func (e *Engine) Reply(ctx context.Context, taskID, agentID, message string) error {
	var inv *pendingInvocation
	err := e.update(e.now().UTC(), func(tx *txn) error {
		t, err := e.owned(taskID, agentID, domain.StatusAwaitingResponse, domain.StatusInProgress)
		if err != nil {
			return err
		}
		if err := tx.move(t, domain.StatusInProgress, t.AssignedTo, "external reply"); err != nil {
			return err
		}
		a := e.agents[t.AssignedTo]
		inv = &pendingInvocation{
			inv: capability.Invocation{
				Reason:  capability.ReasonReplied,
				Task:    t.Clone(),
				Agent:   cloneAgent(&a.profile),
				Message: message,
			},
			claim: len(t.History),
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.invoke(ctx, *inv)
	return nil
}

// ApplyOutcome routes an asynchronous agent report to the matching operation.
func (e *Engine) ApplyOutcome(ctx context.Context, o domain.Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	switch o.Kind {
	case domain.OutcomeCompleted:
		return e.Complete(ctx, o.TaskID, o.AgentID, o.Result)
	case domain.OutcomeFailed:
		return e.Fail(ctx, o.TaskID, o.AgentID, o.Reason)
	case domain.OutcomeAwaitingResponse:
		return e.AwaitResponse(ctx, o.TaskID, o.AgentID, o.Reason)
	default:
		return e.Reply(ctx, o.TaskID, o.AgentID, o.Result)
	}
}

// ─── agents ─────────────────────────────────────────────────────────────────

// UpsertAgents replaces agent profiles. In-flight work and reachability of
// existing agents are kept; agents missing from profiles are disabled, not
// removed. Either every profile is applied or none is.
func (e *Engine) UpsertAgents(profiles []domain.Agent) error {
	seen := make(map[string]bool, len(profiles))
	for i := range profiles {
		if err := profiles[i].Validate(); err != nil {
			return err
		}
		if seen[profiles[i].ID] {
			return &domain.ValidationError{Field: "agent.id", Reason: fmt.Sprintf("duplicate agent %q", profiles[i].ID)}
		}
		seen[profiles[i].ID] = true
	}

	return e.update(e.now().UTC(), func(tx *txn) error {
		for _, p := range profiles {
			if a, ok := e.agents[p.ID]; ok {
				a.profile = *cloneAgent(&p)
				continue
			}
			e.agents[p.ID] = &agentState{profile: *cloneAgent(&p), inFlight: make(map[string]struct{})}
		}
		for id, a := range e.agents {
			if !seen[id] && a.profile.Enabled {
				a.profile.Enabled = false
				e.logger.Info("agent removed from config, disabling", slog.String("agent_id", id))
			}
		}
		tx.wake = true
		return nil
	})
}

// SetAgentEnabled flips the operator toggle. Disabling never preempts
// in-flight work.
func (e *Engine) SetAgentEnabled(agentID string, enabled bool) error {
	return e.update(e.now().UTC(), func(tx *txn) error {
		a, ok := e.agents[agentID]
		if !ok {
			return &domain.AgentNotFoundError{AgentID: agentID}
		}
		a.profile.Enabled = enabled
		tx.wake = enabled
		return nil
	})
}

func cloneAgent(a *domain.Agent) *domain.Agent {
	c := *a
	c.WorkingDays = append([]time.Weekday(nil), a.WorkingDays...)
	c.TaskTypes = append([]string(nil), a.TaskTypes...)
	c.Channels = append([]string(nil), a.Channels...)
	return &c
}

// ─── restore ────────────────────────────────────────────────────────────────

// Restore reloads unfinished tasks, oldest first. Queued tasks return to
// their tier; tasks that were in flight lost their assignment with the
// previous process and are escalated at their current priority. Tasks
// already present are skipped.
func (e *Engine) Restore(tasks []*domain.Task) (int, error) {
	restored := 0
	err := e.update(e.now().UTC(), func(tx *txn) error {
		for _, src := range tasks {
			if _, exists := e.tasks[src.ID]; exists || src.Status.IsTerminal() {
				continue
			}
			t := src.Clone()
			if !t.Priority.Valid() {
				e.logger.Warn("skipping unrestorable task",
					slog.String("task_id", t.ID),
					slog.String("priority", string(t.Priority)),
				)
				continue
			}
			if t.Status.IsInFlight() {
				t.AssignedTo = ""
				if err := tx.move(t, domain.StatusEscalated, "", "assignment lost on restart"); err != nil {
					return err
				}
			}
			if err := e.queue.Enqueue(t); err != nil {
				e.logger.Warn("skipping unrestorable task",
					slog.String("task_id", t.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			e.tasks[t.ID] = t
			restored++
		}
		tx.wake = restored > 0
		return nil
	})
	return restored, err
}

// ─── views ──────────────────────────────────────────────────────────────────

// Task returns a snapshot of one task.
func (e *Engine) Task(id string) (*domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

// RecentTasks returns up to limit tasks, most recently updated first.
func (e *Engine) RecentTasks(limit int) []*domain.Task {
	e.mu.Lock()
	out := make([]*domain.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		c := t.Clone()
		c.History = nil
		out = append(out, c)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AgentView is an agent profile with its runtime state and metrics.
type AgentView struct {
	domain.Agent
	IsActive  bool         `json:"isActive"`
	Reachable bool         `json:"reachable"`
	InFlight  int          `json:"inFlight"`
	Metrics   AgentMetrics `json:"metrics"`
}

// Agents returns every agent sorted by ID, with isActive evaluated at now.
func (e *Engine) Agents(now time.Time) []AgentView {
	e.mu.Lock()
	out := make([]AgentView, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, AgentView{
			Agent:     *cloneAgent(&a.profile),
			IsActive:  e.isActive(a, now),
			Reachable: !a.unreachable,
			InFlight:  len(a.inFlight),
		})
	}
	e.mu.Unlock()

	for i := range out {
		out[i].Metrics = e.metrics.Agent(out[i].ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// isActive is enabled, on duty, under the ceiling, reachable and not paused.
// Called with e.mu held.
func (e *Engine) isActive(a *agentState, now time.Time) bool {
	return e.processing.Load() && !a.unreachable && a.profile.IsAvailable(now, len(a.inFlight))
}

// Queued counts tasks per priority tier.
type Queued struct {
	Urgent int `json:"urgent"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// QueueStatus is the orchestrator half of the system status projection.
type QueueStatus struct {
	Queued     Queued `json:"queued"`
	Active     int    `json:"active"`
	Completed  int    `json:"completed"`
	Processing bool   `json:"processing"`
}

// QueueStatus is computed fresh from current state.
func (e *Engine) QueueStatus() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := e.queue.Counts()
	active := 0
	for _, a := range e.agents {
		active += len(a.inFlight)
	}
	return QueueStatus{
		Queued: Queued{
			Urgent: counts[domain.PriorityUrgent],
			High:   counts[domain.PriorityHigh],
			Medium: counts[domain.PriorityMedium],
			Low:    counts[domain.PriorityLow],
		},
		Active:     active,
		Completed:  e.completed,
		Processing: e.processing.Load(),
	}
}
