package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

func weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

func officeAgent(t *testing.T) *domain.Agent {
	t.Helper()
	start, err := domain.ParseClock("09:00")
	require.NoError(t, err)
	end, err := domain.ParseClock("18:00")
	require.NoError(t, err)
	return &domain.Agent{
		ID:                 "sales",
		Enabled:            true,
		WorkingHours:       domain.WorkingHours{Start: start, End: end},
		WorkingDays:        weekdays(),
		Location:           time.UTC,
		TaskTypes:          []string{domain.TypePropertyEnquiry},
		Channels:           []string{"email", "sms"},
		MaxConcurrentTasks: 2,
	}
}

func TestParseClock(t *testing.T) {
	c, err := domain.ParseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, domain.Clock(7*60+5), c)
	assert.Equal(t, "07:05", c.String())

	for _, bad := range []string{"", "7", "24:00", "12:60", "ab:cd"} {
		_, err := domain.ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestWorkingHours_Contains(t *testing.T) {
	day := domain.WorkingHours{Start: 9 * 60, End: 18 * 60}
	assert.True(t, day.Contains(9*60))
	assert.True(t, day.Contains(17*60+59))
	assert.False(t, day.Contains(18*60), "end is exclusive")
	assert.False(t, day.Contains(8*60+59))

	night := domain.WorkingHours{Start: 22 * 60, End: 6 * 60}
	assert.True(t, night.Contains(23*60))
	assert.True(t, night.Contains(2*60))
	assert.False(t, night.Contains(12*60))
	assert.False(t, night.Contains(6*60))

	allDay := domain.WorkingHours{Start: 0, End: 23*60 + 59}
	assert.True(t, allDay.Contains(12*60))

	whole := domain.WorkingHours{Start: 0, End: 0}
	assert.True(t, whole.Contains(23*60+59))
}

func TestAgent_OnDuty_WeekdayWindow(t *testing.T) {
	a := officeAgent(t)

	saturday := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Saturday, saturday.Weekday())
	require.Equal(t, time.Tuesday, tuesday.Weekday())

	assert.False(t, a.OnDuty(saturday))
	assert.True(t, a.OnDuty(tuesday))

	assert.False(t, a.IsAvailable(saturday, 0))
	assert.True(t, a.IsAvailable(tuesday, 0))
}

func TestAgent_OnDuty_UsesLocation(t *testing.T) {
	a := officeAgent(t)
	loc := time.FixedZone("UTC+10", 10*3600)
	a.Location = loc

	// 23:30 UTC Monday is 09:30 Tuesday at UTC+10.
	now := time.Date(2026, 10, 12, 23, 30, 0, 0, time.UTC)
	assert.True(t, a.OnDuty(now))
}

func TestAgent_IsAvailable_Concurrency(t *testing.T) {
	a := officeAgent(t)
	tuesday := time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

	assert.True(t, a.IsAvailable(tuesday, 1))
	assert.False(t, a.IsAvailable(tuesday, 2), "at ceiling")

	a.Enabled = false
	assert.False(t, a.IsAvailable(tuesday, 0))
}

func TestAgent_IsEligible(t *testing.T) {
	a := officeAgent(t)

	assert.True(t, a.IsEligible(&domain.Task{Type: domain.TypePropertyEnquiry}))
	assert.True(t, a.IsEligible(&domain.Task{Type: domain.TypePropertyEnquiry, Channel: "sms"}))
	assert.False(t, a.IsEligible(&domain.Task{Type: domain.TypePropertyEnquiry, Channel: "voice"}))
	assert.False(t, a.IsEligible(&domain.Task{Type: domain.TypeRentArrears}))

	a.Enabled = false
	assert.False(t, a.IsEligible(&domain.Task{Type: domain.TypePropertyEnquiry}))
}

func TestAgent_Validate(t *testing.T) {
	a := officeAgent(t)
	require.NoError(t, a.Validate())

	a.MaxConcurrentTasks = 0
	assert.Error(t, a.Validate())

	a = officeAgent(t)
	a.TaskTypes = nil
	assert.Error(t, a.Validate())

	a = officeAgent(t)
	a.ID = " "
	assert.Error(t, a.Validate())
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{
		"mon": time.Monday, "Tuesday": time.Tuesday, "SAT": time.Saturday, "sun": time.Sunday,
	} {
		got, err := domain.ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := domain.ParseWeekday("mo")
	assert.Error(t, err)
}

func TestWorkingHours_MarshalJSON(t *testing.T) {
	raw, err := json.Marshal(domain.WorkingHours{Start: 9 * 60, End: 17*60 + 30})
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"09:00","end":"17:30"}`, string(raw))
}

func TestWorkingHours_JSONRoundTrip(t *testing.T) {
	want := domain.WorkingHours{Start: 22 * 60, End: 6*60 + 15}
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	var got domain.WorkingHours
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)

	assert.Error(t, json.Unmarshal([]byte(`{"start":"25:00","end":"06:00"}`), &got))
}
