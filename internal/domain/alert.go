package domain

import (
	"fmt"
	"time"
)

// Alert reports an escalation threshold breach on a task whose agent has
// opted out of automatic escalation.
type Alert struct {
	TaskID    string        `json:"taskId"`
	TaskType  string        `json:"taskType"`
	Title     string        `json:"title"`
	Priority  Priority      `json:"priority"`
	Status    Status        `json:"status"`
	AgentID   string        `json:"agentId"`
	Elapsed   time.Duration `json:"elapsed"`
	Threshold time.Duration `json:"threshold"`
	RaisedAt  time.Time     `json:"raisedAt"`
}

// Summary is a one-line human description.
func (a Alert) Summary() string {
	return fmt.Sprintf("task %s (%s, %s) has been %s for %s with agent %s; threshold is %s",
		a.TaskID, a.TaskType, a.Priority, a.Status,
		a.Elapsed.Round(time.Second), a.AgentID, a.Threshold)
}
