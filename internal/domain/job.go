package domain

import (
	"encoding/json"
	"time"
)

// ScheduledJob submits a task every time its cron expression fires.
type ScheduledJob struct {
	ID        string
	Name      string
	CronExpr  string
	TaskType  string
	Title     string
	Priority  Priority
	Payload   json.RawMessage
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}
