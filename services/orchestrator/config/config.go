package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Capability transports an agent profile may name.
const (
	TransportWebhook = "webhook"
	TransportKafka   = "kafka"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64

	DispatchInterval   time.Duration
	EscalationInterval time.Duration
	HealthInterval     time.Duration
	DefaultThreshold   time.Duration
	MaxEscalations     int
	InvokeTimeout      time.Duration
	Retention          int
	TaskTypes          []string
	Autostart          bool
	SubmitRateLimit    int

	RedisAddr    string
	PostgresDSN  string
	KafkaBrokers []string
	KafkaIntake  bool
	KafkaAlerts  bool
	AMQPURL      string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	AlertEmailTo []string

	SchedulerEnabled bool
	ScheduledJobs    []domain.ScheduledJob

	Agents []AgentConfig
}

// CapabilityConfig binds an agent to the transport its work is sent over.
type CapabilityConfig struct {
	Transport string            `mapstructure:"transport"`
	Endpoint  string            `mapstructure:"endpoint"`
	HealthURL string            `mapstructure:"health_url"`
	Headers   map[string]string `mapstructure:"headers"`
}

// WorkingHoursConfig is a time-of-day window in "HH:MM".
type WorkingHoursConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// AgentConfig is one entry of the agents list as written in the file.
type AgentConfig struct {
	ID                         string             `mapstructure:"id"`
	Name                       string             `mapstructure:"name"`
	Description                string             `mapstructure:"description"`
	Enabled                    *bool              `mapstructure:"enabled"`
	WorkingHours               WorkingHoursConfig `mapstructure:"working_hours"`
	WorkingDays                []string           `mapstructure:"working_days"`
	Timezone                   string             `mapstructure:"timezone"`
	TaskTypes                  []string           `mapstructure:"task_types"`
	Channels                   []string           `mapstructure:"channels"`
	MaxConcurrentTasks         int                `mapstructure:"max_concurrent_tasks"`
	EscalationThresholdMinutes int                `mapstructure:"escalation_threshold_minutes"`
	AutoEscalate               *bool              `mapstructure:"auto_escalate"`
	Personality                string             `mapstructure:"personality"`
	Tone                       string             `mapstructure:"tone"`
	CustomPrompt               string             `mapstructure:"custom_prompt"`
	Capability                 CapabilityConfig   `mapstructure:"capability"`
}

type jobConfig struct {
	Name     string         `mapstructure:"name"`
	Cron     string         `mapstructure:"cron"`
	TaskType string         `mapstructure:"task_type"`
	Title    string         `mapstructure:"title"`
	Priority string         `mapstructure:"priority"`
	Payload  map[string]any `mapstructure:"payload"`
	Enabled  *bool          `mapstructure:"enabled"`
}

// Load reads all values from the given viper instance. Agent profiles are
// validated here so a bad file is rejected before the engine sees it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),

		DispatchInterval:   v.GetDuration("dispatch_interval"),
		EscalationInterval: v.GetDuration("escalation_interval"),
		HealthInterval:     v.GetDuration("health_interval"),
		DefaultThreshold:   v.GetDuration("default_escalation_threshold"),
		MaxEscalations:     v.GetInt("max_escalations"),
		InvokeTimeout:      v.GetDuration("invoke_timeout"),
		Retention:          v.GetInt("retention"),
		TaskTypes:          v.GetStringSlice("task_types"),
		Autostart:          v.GetBool("autostart"),
		SubmitRateLimit:    v.GetInt("submit_rate_limit"),

		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		KafkaIntake:  v.GetBool("kafka_intake"),
		KafkaAlerts:  v.GetBool("kafka_alerts"),
		AMQPURL:      v.GetString("amqp_url"),

		SMTPHost:     v.GetString("smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPFrom:     v.GetString("smtp_from"),
		SMTPUsername: v.GetString("smtp_username"),
		SMTPPassword: v.GetString("smtp_password"),
		AlertEmailTo: splitList(v.GetString("alert_email_to")),

		SchedulerEnabled: v.GetBool("scheduler_enabled"),
	}
	if len(cfg.TaskTypes) == 0 {
		cfg.TaskTypes = domain.DefaultTaskTypes
	}

	if err := v.UnmarshalKey("agents", &cfg.Agents); err != nil {
		return Config{}, fmt.Errorf("decode agents: %w", err)
	}
	if _, err := Profiles(cfg.Agents); err != nil {
		return Config{}, err
	}

	var jobs []jobConfig
	if err := v.UnmarshalKey("scheduled_jobs", &jobs); err != nil {
		return Config{}, fmt.Errorf("decode scheduled_jobs: %w", err)
	}
	for _, j := range jobs {
		job, err := j.toJob()
		if err != nil {
			return Config{}, err
		}
		cfg.ScheduledJobs = append(cfg.ScheduledJobs, job)
	}
	return cfg, nil
}

// LoadAgents decodes only the agents list. It is used on config reload.
func LoadAgents(v *viper.Viper) ([]AgentConfig, []domain.Agent, error) {
	var agents []AgentConfig
	if err := v.UnmarshalKey("agents", &agents); err != nil {
		return nil, nil, fmt.Errorf("decode agents: %w", err)
	}
	profiles, err := Profiles(agents)
	if err != nil {
		return nil, nil, err
	}
	return agents, profiles, nil
}

// Profiles converts file entries to validated domain profiles.
func Profiles(agents []AgentConfig) ([]domain.Agent, error) {
	out := make([]domain.Agent, 0, len(agents))
	for i, a := range agents {
		p, err := a.Profile()
		if err != nil {
			return nil, fmt.Errorf("agents[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Profile converts one entry. Enabled and AutoEscalate default to true;
// an empty working_days list means every day.
func (a AgentConfig) Profile() (domain.Agent, error) {
	p := domain.Agent{
		ID:                         a.ID,
		Name:                       a.Name,
		Description:                a.Description,
		Enabled:                    a.Enabled == nil || *a.Enabled,
		TaskTypes:                  a.TaskTypes,
		Channels:                   a.Channels,
		MaxConcurrentTasks:         a.MaxConcurrentTasks,
		EscalationThresholdMinutes: a.EscalationThresholdMinutes,
		AutoEscalate:               a.AutoEscalate == nil || *a.AutoEscalate,
		Personality:                a.Personality,
		Tone:                       a.Tone,
		CustomPrompt:               a.CustomPrompt,
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	var err error
	if a.WorkingHours.Start != "" || a.WorkingHours.End != "" {
		if p.WorkingHours.Start, err = domain.ParseClock(a.WorkingHours.Start); err != nil {
			return domain.Agent{}, &domain.ValidationError{Field: "agent.working_hours.start", Reason: err.Error()}
		}
		if p.WorkingHours.End, err = domain.ParseClock(a.WorkingHours.End); err != nil {
			return domain.Agent{}, &domain.ValidationError{Field: "agent.working_hours.end", Reason: err.Error()}
		}
	}

	if len(a.WorkingDays) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			p.WorkingDays = append(p.WorkingDays, d)
		}
	}
	for _, s := range a.WorkingDays {
		d, err := domain.ParseWeekday(s)
		if err != nil {
			return domain.Agent{}, &domain.ValidationError{Field: "agent.working_days", Reason: err.Error()}
		}
		p.WorkingDays = append(p.WorkingDays, d)
	}

	if a.Timezone != "" {
		if p.Location, err = time.LoadLocation(a.Timezone); err != nil {
			return domain.Agent{}, &domain.ValidationError{Field: "agent.timezone", Reason: err.Error()}
		}
	}

	switch a.Capability.Transport {
	case "", TransportKafka:
	case TransportWebhook:
		if a.Capability.Endpoint == "" {
			return domain.Agent{}, &domain.ValidationError{Field: "agent.capability.endpoint", Reason: "is required for webhook transport"}
		}
	default:
		return domain.Agent{}, &domain.ValidationError{
			Field:  "agent.capability.transport",
			Reason: fmt.Sprintf("unknown transport %q", a.Capability.Transport),
		}
	}

	if err := p.Validate(); err != nil {
		return domain.Agent{}, err
	}
	return p, nil
}

func (j jobConfig) toJob() (domain.ScheduledJob, error) {
	if j.Name == "" || j.Cron == "" || j.TaskType == "" {
		return domain.ScheduledJob{}, &domain.ValidationError{Field: "scheduled_jobs", Reason: "name, cron and task_type are required"}
	}
	job := domain.ScheduledJob{
		ID:       j.Name,
		Name:     j.Name,
		CronExpr: j.Cron,
		TaskType: j.TaskType,
		Title:    j.Title,
		Enabled:  j.Enabled == nil || *j.Enabled,
	}
	if j.Priority != "" {
		p, err := domain.ParsePriority(j.Priority)
		if err != nil {
			return domain.ScheduledJob{}, err
		}
		job.Priority = p
	}
	if len(j.Payload) > 0 {
		b, err := json.Marshal(j.Payload)
		if err != nil {
			return domain.ScheduledJob{}, fmt.Errorf("scheduled job %q payload: %w", j.Name, err)
		}
		job.Payload = b
	}
	return job, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
