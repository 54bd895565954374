package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Intake ──────────────────────────────────────────────────────────────────

	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "intake",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted into the queue, by type and priority.",
	}, []string{"type", "priority"})

	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "intake",
		Name:      "tasks_rejected_total",
		Help:      "Submissions rejected before enqueue, by reason (validation, rate_limited).",
	}, []string{"reason"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks waiting for an agent, by priority tier.",
	}, []string{"priority"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "dispatcher",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks assigned to an agent.",
	}, []string{"agent"})

	AgentInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Subsystem: "dispatcher",
		Name:      "agent_inflight",
		Help:      "Tasks currently in_progress or awaiting_response per agent.",
	}, []string{"agent"})

	CapabilityUnreachable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "dispatcher",
		Name:      "capability_unreachable_total",
		Help:      "Invocations that could not be initiated; the task was requeued.",
	}, []string{"agent"})

	// ─── Outcomes ────────────────────────────────────────────────────────────────

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "agent",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal state, by agent and status.",
	}, []string{"agent", "status"})

	TaskResponseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Subsystem: "agent",
		Name:      "task_response_seconds",
		Help:      "Time from submission to completion.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 14400},
	}, []string{"agent"})

	// ─── Escalation ──────────────────────────────────────────────────────────────

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "escalation",
		Name:      "breaches_total",
		Help:      "Threshold breaches by outcome (escalated, exhausted, alerted).",
	}, []string{"outcome"})

	AlertDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "escalation",
		Name:      "alert_delivery_failures_total",
		Help:      "Alerts that at least one notifier failed to deliver.",
	})

	// ─── Journal ─────────────────────────────────────────────────────────────────

	JournalDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "journal",
		Name:      "dropped_total",
		Help:      "Task snapshots dropped because the journal buffer was full.",
	})

	JournalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "journal",
		Name:      "errors_total",
		Help:      "Recorder writes that failed after retries, by recorder.",
	}, []string{"recorder"})
)
