package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

func sampleAlert() domain.Alert {
	return domain.Alert{
		TaskID:    "t-42",
		TaskType:  domain.TypeMaintenanceRequest,
		Title:     "Boiler not working",
		Priority:  domain.PriorityHigh,
		Status:    domain.StatusAwaitingResponse,
		AgentID:   "maintenance",
		Elapsed:   20 * time.Minute,
		Threshold: 15 * time.Minute,
		RaisedAt:  time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC),
	}
}

func TestEmail_NoRecipients(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 1025})

	err := e.Alert(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipients")
}

func TestEmail_CancelledContext(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 1025, To: []string{"ops@example.com"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Alert(ctx, sampleAlert())
	require.Error(t, err)
}

func TestBuildMIME(t *testing.T) {
	msg := string(buildMIME("bot@example.com", []string{"a@example.com", "b@example.com"}, "subj", alertBody(sampleAlert())))

	assert.True(t, strings.HasPrefix(msg, "From: bot@example.com\r\n"))
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: subj\r\n")
	assert.Contains(t, msg, "task t-42")
	assert.Contains(t, msg, "Title: Boiler not working")
	assert.Contains(t, msg, "2026-10-13 10:00:00 UTC")
}
