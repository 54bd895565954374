package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

func newSupervisor(h *harness) *Supervisor {
	return NewSupervisor(h.engine, Intervals{
		Dispatch:   10 * time.Millisecond,
		Escalation: time.Hour,
		Health:     time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSupervisor_StartStopIdempotent(t *testing.T) {
	h := newHarness(t, []domain.Agent{agent("sales", 1, domain.TypePropertyEnquiry)})
	h.engine.SetProcessing(false)
	sup := newSupervisor(h)

	assert.True(t, sup.Start())
	assert.False(t, sup.Start(), "second start is a no-op")
	assert.True(t, sup.Processing())

	assert.True(t, sup.Stop())
	assert.False(t, sup.Stop(), "second stop is a no-op")
	assert.False(t, sup.Processing())

	assert.True(t, sup.Start(), "can restart after stop")
	assert.True(t, sup.Stop())
}

func TestSupervisor_DispatchesOnWake(t *testing.T) {
	h := newHarness(t, []domain.Agent{agent("sales", 1, domain.TypePropertyEnquiry)})
	sup := NewSupervisor(h.engine, Intervals{Dispatch: time.Hour, Escalation: time.Hour, Health: time.Hour},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.True(t, sup.Start())
	defer sup.Stop()

	_, err := sup.Submit(context.Background(), &domain.Task{ID: "t1", Type: domain.TypePropertyEnquiry, Priority: domain.PriorityHigh})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		task, err := h.engine.Task("t1")
		return err == nil && task.Status == domain.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond, "submission wakes the dispatcher without waiting for the ticker")
}

func TestSupervisor_StopHaltsDispatch(t *testing.T) {
	h := newHarness(t, []domain.Agent{agent("sales", 1, domain.TypePropertyEnquiry)})
	sup := newSupervisor(h)
	require.True(t, sup.Start())
	require.True(t, sup.Stop())

	h.submit(t, "t1", domain.PriorityHigh, domain.TypePropertyEnquiry)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusPending, h.task(t, "t1").Status)
	assert.Equal(t, 0, h.engine.DispatchTick(context.Background(), h.clock.Now()))
}

func TestSupervisor_Status(t *testing.T) {
	off := agent("lettings", 1, domain.TypeMaintenanceRequest)
	off.Enabled = false
	h := newHarness(t, []domain.Agent{agent("sales", 2, domain.TypePropertyEnquiry), off})
	sup := newSupervisor(h)

	h.submit(t, "urgent", domain.PriorityUrgent, domain.TypePropertyEnquiry)
	h.submit(t, "low", domain.PriorityLow, domain.TypeMaintenanceRequest)
	require.Equal(t, 1, h.dispatch())
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.engine.Complete(context.Background(), "urgent", "sales", "ok"))

	st := sup.Status()
	assert.Equal(t, Queued{Low: 1}, st.Orchestrator.Queued)
	assert.Equal(t, 0, st.Orchestrator.Active)
	assert.Equal(t, 1, st.Orchestrator.Completed)
	assert.True(t, st.Orchestrator.Processing)

	assert.Equal(t, 2, st.Supervisor.TotalAgents)
	assert.Equal(t, 1, st.Supervisor.ActiveAgents)
	assert.Equal(t, int64(1), st.Supervisor.TotalTasksProcessed)
	assert.InDelta(t, 2000, st.Supervisor.AverageResponseTime, 0.001)
	assert.Equal(t, 1.0, st.Supervisor.OverallSuccessRate)

	require.Contains(t, st.Agents, "sales")
	assert.Equal(t, int64(1), st.Agents["sales"].Metrics.TasksCompleted)
	assert.False(t, st.Agents["lettings"].IsActive)
}
