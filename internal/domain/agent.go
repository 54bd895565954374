package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM" (24-hour).
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

// MarshalText renders the clock as "HH:MM", so working hours travel as
// {"start":"09:00","end":"18:00"}.
func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock { return Clock(t.Hour()*60 + t.Minute()) }

// WorkingHours is a [Start, End) window. End < Start wraps midnight;
// Start == End means the whole day.
type WorkingHours struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Contains reports whether c falls inside the window.
func (w WorkingHours) Contains(c Clock) bool {
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return c >= w.Start && c < w.End
	default:
		return c >= w.Start || c < w.End
	}
}


// Agent is the configuration of one automated worker (e.g. "Sales Agent").
// Runtime state (in-flight set, reachability, metrics) lives in the engine.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	WorkingHours WorkingHours   `json:"workingHours"`
	WorkingDays  []time.Weekday `json:"workingDays"`
	Location     *time.Location `json:"-"`
	TaskTypes    []string       `json:"taskTypes"`
	Channels     []string       `json:"channels"`

	MaxConcurrentTasks         int  `json:"maxConcurrentTasks"`
	EscalationThresholdMinutes int  `json:"escalationThresholdMinutes"`
	AutoEscalate               bool `json:"autoEscalate"`

	// Passed through to the capability untouched.
	Personality  string `json:"personality,omitempty"`
	Tone         string `json:"tone,omitempty"`
	CustomPrompt string `json:"customPrompt,omitempty"`
}

// Validate rejects profiles the dispatcher cannot reason about.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return &ValidationError{Field: "agent.id", Reason: "is required"}
	}
	if a.MaxConcurrentTasks < 1 {
		return &ValidationError{Field: "agent.maxConcurrentTasks", Reason: "must be at least 1"}
	}
	if a.EscalationThresholdMinutes < 0 {
		return &ValidationError{Field: "agent.escalationThresholdMinutes", Reason: "must not be negative"}
	}
	if len(a.TaskTypes) == 0 {
		return &ValidationError{Field: "agent.taskTypes", Reason: "must list at least one task type"}
	}
	return nil
}

// EscalationThreshold returns the configured threshold as a duration.
func (a *Agent) EscalationThreshold() time.Duration {
	return time.Duration(a.EscalationThresholdMinutes) * time.Minute
}

// Serves reports whether taskType is in the agent's competence set.
func (a *Agent) Serves(taskType string) bool { return contains(a.TaskTypes, taskType) }

// OnDuty reports whether now falls on a working day inside working hours,
// evaluated in the agent's location (time.Local when unset).
func (a *Agent) OnDuty(now time.Time) bool {
	loc := a.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	onDay := false
	for _, d := range a.WorkingDays {
		if d == local.Weekday() {
			onDay = true
			break
		}
	}
	return onDay && a.WorkingHours.Contains(ClockOf(local))
}

// IsEligible reports whether the agent is competent to take the task:
// enabled, serves its type, and owns the channel the task needs (if any).
func (a *Agent) IsEligible(t *Task) bool {
	if !a.Enabled || !a.Serves(t.Type) {
		return false
	}
	return t.Channel == "" || contains(a.Channels, t.Channel)
}

// IsAvailable reports whether the agent can accept one more task now given
// its current in-flight count.
func (a *Agent) IsAvailable(now time.Time, inFlight int) bool {
	return a.Enabled && a.OnDuty(now) && inFlight < a.MaxConcurrentTasks
}

// ParseWeekday accepts "mon", "monday", "Mon" etc.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if s == name || s == name[:3] {
				return d, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
