package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "pending"},
		{domain.StatusInProgress, "in_progress"},
		{domain.StatusAwaitingResponse, "awaiting_response"},
		{domain.StatusCompleted, "completed"},
		{domain.StatusFailed, "failed"},
		{domain.StatusEscalated, "escalated"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusInProgress,
		domain.StatusAwaitingResponse, domain.StatusEscalated,
	} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]domain.Status{
		{domain.StatusPending, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusCompleted},
		{domain.StatusInProgress, domain.StatusFailed},
		{domain.StatusInProgress, domain.StatusAwaitingResponse},
		{domain.StatusAwaitingResponse, domain.StatusInProgress},
		{domain.StatusAwaitingResponse, domain.StatusEscalated},
		{domain.StatusPending, domain.StatusEscalated},
		{domain.StatusInProgress, domain.StatusEscalated},
		{domain.StatusEscalated, domain.StatusInProgress},
		{domain.StatusEscalated, domain.StatusFailed},
		{domain.StatusEscalated, domain.StatusEscalated},
	}
	for _, tr := range allowed {
		assert.True(t, domain.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]domain.Status{
		{domain.StatusPending, domain.StatusCompleted},
		{domain.StatusAwaitingResponse, domain.StatusCompleted},
		{domain.StatusCompleted, domain.StatusInProgress},
		{domain.StatusFailed, domain.StatusEscalated},
		{domain.StatusEscalated, domain.StatusCompleted},
	}
	for _, tr := range denied {
		assert.False(t, domain.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestPriority_OrderAndPromote(t *testing.T) {
	assert.Less(t, domain.PriorityUrgent.Rank(), domain.PriorityHigh.Rank())
	assert.Less(t, domain.PriorityHigh.Rank(), domain.PriorityMedium.Rank())
	assert.Less(t, domain.PriorityMedium.Rank(), domain.PriorityLow.Rank())

	assert.Equal(t, domain.PriorityMedium, domain.PriorityLow.Promote())
	assert.Equal(t, domain.PriorityHigh, domain.PriorityMedium.Promote())
	assert.Equal(t, domain.PriorityUrgent, domain.PriorityHigh.Promote())
	assert.Equal(t, domain.PriorityUrgent, domain.PriorityUrgent.Promote())
}

func TestParsePriority(t *testing.T) {
	p, err := domain.ParsePriority(" High ")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, p)

	_, err = domain.ParsePriority("whenever")
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "priority", verr.Field)
}

func TestTask_Validate(t *testing.T) {
	known := map[string]bool{domain.TypePropertyEnquiry: true}

	tests := []struct {
		name  string
		task  domain.Task
		field string
	}{
		{"missing type", domain.Task{Priority: domain.PriorityLow}, "type"},
		{"unknown type", domain.Task{Type: "x", Priority: domain.PriorityLow}, "type"},
		{"missing priority", domain.Task{Type: domain.TypePropertyEnquiry}, "priority"},
		{"unknown priority", domain.Task{Type: domain.TypePropertyEnquiry, Priority: "asap"}, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate(known)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	ok := domain.Task{Type: domain.TypePropertyEnquiry, Priority: domain.PriorityUrgent}
	assert.NoError(t, ok.Validate(known))
}

func TestTask_Clone_IsDeep(t *testing.T) {
	at := time.Now()
	orig := &domain.Task{
		ID:          "t1",
		Payload:     json.RawMessage(`{"a":1}`),
		CompletedAt: &at,
		History:     []domain.Transition{{From: domain.StatusPending, To: domain.StatusInProgress}},
	}
	c := orig.Clone()
	c.Payload[0] = 'X'
	c.History[0].To = domain.StatusFailed
	*c.CompletedAt = at.Add(time.Hour)

	assert.Equal(t, byte('{'), orig.Payload[0])
	assert.Equal(t, domain.StatusInProgress, orig.History[0].To)
	assert.Equal(t, at, *orig.CompletedAt)
}
