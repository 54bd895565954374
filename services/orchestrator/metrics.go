package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// AgentMetrics is derived from an agent's terminal transitions.
type AgentMetrics struct {
	TasksCompleted        int64   `json:"tasksCompleted"`
	TasksFailed           int64   `json:"tasksFailed"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
	SuccessRate           float64 `json:"successRate"`
}

// SystemMetrics sums every agent, including failures no agent owned.
type SystemMetrics struct {
	TotalTasksProcessed   int64   `json:"totalTasksProcessed"`
	TasksCompleted        int64   `json:"tasksCompleted"`
	TasksFailed           int64   `json:"tasksFailed"`
	AverageResponseTimeMs float64 `json:"averageResponseTime"`
	OverallSuccessRate    float64 `json:"overallSuccessRate"`
}

type outcomeCount struct {
	completed int64
	failed    int64
}

type agentCounters struct {
	completed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	meanMs float64
	n      int64
	byType map[string]*outcomeCount
}

// Aggregator keeps per-agent counters updated incrementally on terminal
// transitions. The empty agent ID collects tasks that failed unassigned.
type Aggregator struct {
	mu     sync.RWMutex
	agents map[string]*agentCounters
}

func NewAggregator() *Aggregator {
	return &Aggregator{agents: make(map[string]*agentCounters)}
}

func (m *Aggregator) counters(agentID string) *agentCounters {
	m.mu.RLock()
	c, ok := m.agents[agentID]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.agents[agentID]; !ok {
		c = &agentCounters{byType: make(map[string]*outcomeCount)}
		m.agents[agentID] = c
	}
	return c
}

// RecordCompleted counts a completion and folds its response time into the
// running mean.
func (m *Aggregator) RecordCompleted(agentID, taskType string, response time.Duration) {
	c := m.counters(agentID)
	c.completed.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.meanMs += (float64(response.Milliseconds()) - c.meanMs) / float64(c.n)
	c.typeCount(taskType).completed++
}

func (m *Aggregator) RecordFailed(agentID, taskType string) {
	c := m.counters(agentID)
	c.failed.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.typeCount(taskType).failed++
}

func (c *agentCounters) typeCount(taskType string) *outcomeCount {
	oc, ok := c.byType[taskType]
	if !ok {
		oc = &outcomeCount{}
		c.byType[taskType] = oc
	}
	return oc
}

// Agent returns a snapshot for one agent. Unknown agents report zeros.
func (m *Aggregator) Agent(agentID string) AgentMetrics {
	m.mu.RLock()
	c, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return AgentMetrics{}
	}
	completed, failed := c.completed.Load(), c.failed.Load()
	c.mu.Lock()
	mean := c.meanMs
	c.mu.Unlock()
	return AgentMetrics{
		TasksCompleted:        completed,
		TasksFailed:           failed,
		AverageResponseTimeMs: mean,
		SuccessRate:           rate(completed, failed),
	}
}

// SuccessRateFor is the agent's success rate on one task type, 0 without history.
func (m *Aggregator) SuccessRateFor(agentID, taskType string) float64 {
	m.mu.RLock()
	c, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	oc, ok := c.byType[taskType]
	if !ok {
		return 0
	}
	return rate(oc.completed, oc.failed)
}

// System recomputes the aggregate on demand. The average response time is
// weighted by each agent's completed count.
func (m *Aggregator) System() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s SystemMetrics
	var weighted float64
	var samples int64
	for _, c := range m.agents {
		s.TasksCompleted += c.completed.Load()
		s.TasksFailed += c.failed.Load()
		c.mu.Lock()
		weighted += c.meanMs * float64(c.n)
		samples += c.n
		c.mu.Unlock()
	}
	s.TotalTasksProcessed = s.TasksCompleted + s.TasksFailed
	if samples > 0 {
		s.AverageResponseTimeMs = weighted / float64(samples)
	}
	s.OverallSuccessRate = rate(s.TasksCompleted, s.TasksFailed)
	return s
}

// rate is completed/(completed+failed), or 0 when nothing finished.
func rate(completed, failed int64) float64 {
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}
