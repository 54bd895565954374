package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// Control is the supervisor surface the dashboard drives.
type Control interface {
	Start() bool
	Stop() bool
	Processing() bool
	Status() orchestrator.SystemStatus
	Submit(ctx context.Context, t *domain.Task) (*domain.Task, error)
}

// Tasks is the engine surface for reads and agent reports.
type Tasks interface {
	Task(id string) (*domain.Task, error)
	RecentTasks(limit int) []*domain.Task
	Agents(now time.Time) []orchestrator.AgentView
	SetAgentEnabled(agentID string, enabled bool) error
	ApplyOutcome(ctx context.Context, o domain.Outcome) error
}

// TaskReader is a secondary task store. Both the Redis snapshot store and
// the Postgres history satisfy it.
type TaskReader interface {
	GetTaskMeta(ctx context.Context, taskID string) (*domain.Task, error)
}

// TaskReaderFunc adapts a lookup function to TaskReader.
type TaskReaderFunc func(ctx context.Context, taskID string) (*domain.Task, error)

func (f TaskReaderFunc) GetTaskMeta(ctx context.Context, taskID string) (*domain.Task, error) {
	return f(ctx, taskID)
}

// REST handles dashboard HTTP requests.
type REST struct {
	control  Control
	tasks    Tasks
	fallback []TaskReader
	ready    telemetry.ReadyFunc
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*REST)

// WithFallback adds stores consulted, in order, when a task is not in memory.
func WithFallback(r ...TaskReader) Option    { return func(h *REST) { h.fallback = append(h.fallback, r...) } }
func WithReady(f telemetry.ReadyFunc) Option { return func(h *REST) { h.ready = f } }
func WithClock(now func() time.Time) Option  { return func(h *REST) { h.now = now } }

// NewREST creates a new REST handler.
func NewREST(control Control, tasks Tasks, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{control: control, tasks: tasks, now: time.Now, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes mounts the API on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/control", h.PostControl)
		r.Get("/agents", h.ListAgents)
		r.Patch("/agents/{id}", h.PatchAgent)
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/outcome", h.PostOutcome)
	})
}

// GetStatus handles GET /api/v1/status.
func (h *REST) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.control.Status())
}

// ControlRequest is the JSON body for POST /api/v1/control.
type ControlRequest struct {
	Action string `json:"action"`
}

// ControlResponse reports the processing flag after the action.
type ControlResponse struct {
	Processing bool `json:"processing"`
	Changed    bool `json:"changed"`
}

// PostControl handles POST /api/v1/control. Repeating an action is a no-op.
func (h *REST) PostControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var changed bool
	switch req.Action {
	case "start":
		changed = h.control.Start()
	case "stop":
		changed = h.control.Stop()
	default:
		writeError(w, http.StatusBadRequest, "field 'action' must be start or stop")
		return
	}
	h.logger.Info("control action", slog.String("action", req.Action), slog.Bool("changed", changed))
	writeJSON(w, http.StatusOK, ControlResponse{Processing: h.control.Processing(), Changed: changed})
}

// ListAgents handles GET /api/v1/agents.
func (h *REST) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tasks.Agents(h.now()))
}

// PatchAgentRequest is the JSON body for PATCH /api/v1/agents/{id}.
type PatchAgentRequest struct {
	Enabled *bool `json:"enabled"`
}

// PatchAgent handles PATCH /api/v1/agents/{id}.
func (h *REST) PatchAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req PatchAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "field 'enabled' is required")
		return
	}
	if err := h.tasks.SetAgentEnabled(id, *req.Enabled); err != nil {
		h.writeDomainError(w, err)
		return
	}
	now := h.now()
	for _, a := range h.tasks.Agents(now) {
		if a.ID == id {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeError(w, http.StatusNotFound, "agent not found")
}

// ListTasks handles GET /api/v1/tasks?limit=N.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTaskLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "query 'limit' must be a positive integer")
			return
		}
		limit = min(n, maxTaskLimit)
	}
	writeJSON(w, http.StatusOK, h.tasks.RecentTasks(limit))
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    string          `json:"priority"`
	Channel     string          `json:"channel,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.http_submit")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := h.control.Submit(ctx, &domain.Task{
		ID:          req.ID,
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		Priority:    domain.Priority(req.Priority),
		Channel:     req.Channel,
		Payload:     req.Payload,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/{id}. Tasks evicted from memory are
// served from the fallback stores.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.tasks.Task(id)
	if err == nil {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if !domain.IsNotFound(err) {
		h.writeDomainError(w, err)
		return
	}

	for _, store := range h.fallback {
		task, err := store.GetTaskMeta(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, task)
			return
		case domain.IsNotFound(err):
			continue
		default:
			// A failing store should not hide the next one.
			h.logger.Warn("task lookup failed", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

// PostOutcome handles POST /api/v1/tasks/{id}/outcome. The body has the
// same shape as messages on the results topic.
func (h *REST) PostOutcome(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.http_outcome")
	defer span.End()

	var o domain.Outcome
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if o.TaskID != "" && o.TaskID != id {
		writeError(w, http.StatusBadRequest, "field 'task_id' does not match path")
		return
	}
	o.TaskID = id
	span.SetAttributes(attribute.String("task.id", id), attribute.String("outcome", string(o.Kind)))

	if err := h.tasks.ApplyOutcome(ctx, o); err != nil {
		h.writeDomainError(w, err)
		return
	}
	task, err := h.tasks.Task(id)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	var rl *domain.RateLimitExceededError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rl):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
