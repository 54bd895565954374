package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

const sampleYAML = `
log_level: debug
dispatch_interval: 500ms
max_escalations: 2
kafka_brokers: "k1:9092, k2:9092"
alert_email_to: "ops@agency.test"

agents:
  - id: sales
    name: Sales Agent
    working_hours: {start: "09:00", end: "18:00"}
    working_days: [mon, tue, wed, thu, fri]
    timezone: Europe/London
    task_types: [property_enquiry, viewing_request]
    channels: [email, whatsapp]
    max_concurrent_tasks: 5
    escalation_threshold_minutes: 10
    tone: friendly
    capability:
      transport: webhook
      endpoint: http://sales.internal/invoke
  - id: lettings
    task_types: [maintenance_request]
    max_concurrent_tasks: 2
    auto_escalate: false
    enabled: false

scheduled_jobs:
  - name: arrears-sweep
    cron: "0 9 * * 1-5"
    task_type: rent_arrears
    priority: high
    payload: {portfolio: north}
`

func loadYAML(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return v
}

func TestLoad_Sample(t *testing.T) {
	cfg, err := Load(loadYAML(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.DispatchInterval)
	assert.Equal(t, 2, cfg.MaxEscalations)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"ops@agency.test"}, cfg.AlertEmailTo)
	assert.Equal(t, domain.DefaultTaskTypes, cfg.TaskTypes)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, TransportWebhook, cfg.Agents[0].Capability.Transport)

	require.Len(t, cfg.ScheduledJobs, 1)
	job := cfg.ScheduledJobs[0]
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.True(t, job.Enabled)
	assert.JSONEq(t, `{"portfolio":"north"}`, string(job.Payload))
}

func TestProfiles_Defaults(t *testing.T) {
	cfg, err := Load(loadYAML(t, sampleYAML))
	require.NoError(t, err)
	profiles, err := Profiles(cfg.Agents)
	require.NoError(t, err)

	sales := profiles[0]
	assert.True(t, sales.Enabled)
	assert.True(t, sales.AutoEscalate)
	assert.Equal(t, domain.Clock(9*60), sales.WorkingHours.Start)
	assert.Equal(t, domain.Clock(18*60), sales.WorkingHours.End)
	assert.Len(t, sales.WorkingDays, 5)
	require.NotNil(t, sales.Location)
	assert.Equal(t, "Europe/London", sales.Location.String())

	lettings := profiles[1]
	assert.Equal(t, "lettings", lettings.Name, "name falls back to id")
	assert.False(t, lettings.Enabled)
	assert.False(t, lettings.AutoEscalate)
	assert.Len(t, lettings.WorkingDays, 7, "no working_days means every day")
	assert.True(t, lettings.WorkingHours.Contains(domain.Clock(3*60)), "no working_hours means all day")
}

func TestLoad_RejectsBadAgents(t *testing.T) {
	tests := []struct {
		name  string
		agent string
		field string
	}{
		{"missing id", `{task_types: [x], max_concurrent_tasks: 1}`, "agent.id"},
		{"zero concurrency", `{id: a, task_types: [x]}`, "agent.maxConcurrentTasks"},
		{"bad clock", `{id: a, task_types: [x], max_concurrent_tasks: 1, working_hours: {start: "9am", end: "17:00"}}`, "agent.working_hours.start"},
		{"bad weekday", `{id: a, task_types: [x], max_concurrent_tasks: 1, working_days: [funday]}`, "agent.working_days"},
		{"bad timezone", `{id: a, task_types: [x], max_concurrent_tasks: 1, timezone: Mars/Olympus}`, "agent.timezone"},
		{"webhook without endpoint", `{id: a, task_types: [x], max_concurrent_tasks: 1, capability: {transport: webhook}}`, "agent.capability.endpoint"},
		{"unknown transport", `{id: a, task_types: [x], max_concurrent_tasks: 1, capability: {transport: carrier-pigeon}}`, "agent.capability.transport"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(loadYAML(t, "agents:\n  - "+tc.agent+"\n"))
			require.Error(t, err)
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %T: %v", err, err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestLoadAgents_Reload(t *testing.T) {
	v := loadYAML(t, sampleYAML)
	entries, profiles, err := LoadAgents(v)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Len(t, profiles, 2)
}

func TestLoad_RejectsIncompleteJob(t *testing.T) {
	_, err := Load(loadYAML(t, "scheduled_jobs:\n  - {name: x, cron: '@daily'}\n"))
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "scheduled_jobs", ve.Field)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,, b "))
}
