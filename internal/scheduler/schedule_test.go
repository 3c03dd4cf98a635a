package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/syncd/internal/types"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func mustCompile(t *testing.T, s types.Schedule) *Plan {
	t.Helper()
	p, err := Compile(&s)
	require.NoError(t, err)
	return p
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("07:45")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 7, Minute: 45}, c)

	for _, bad := range []string{"", "7:45", "24:00", "12:60", "1200", "12:00:00"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "ParseClock(%q)", bad)
	}
}

func TestDaily_Scenario(t *testing.T) {
	// Created at 2025-04-26T05:00 with a 01:00 daily schedule.
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartTime: "01:00", IsRecurring: true})
	now := utc(2025, 4, 26, 5, 0)

	assert.Equal(t, utc(2025, 4, 27, 1, 0), p.First(now))
	next, ok := p.Next(now)
	require.True(t, ok)
	assert.Equal(t, utc(2025, 4, 27, 1, 0), next)
}

func TestDaily_LaterToday(t *testing.T) {
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartTime: "06:00", IsRecurring: true})
	next, ok := p.Next(utc(2025, 4, 26, 5, 0))
	require.True(t, ok)
	assert.Equal(t, utc(2025, 4, 26, 6, 0), next)
}

func TestDaily_StrictlyAfterNow(t *testing.T) {
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartTime: "01:00", IsRecurring: true})
	next, ok := p.Next(utc(2025, 4, 26, 1, 0))
	require.True(t, ok)
	assert.Equal(t, utc(2025, 4, 27, 1, 0), next)
}

func TestDaily_WithinTwentyFourHours(t *testing.T) {
	start := utc(2025, 2, 27, 0, 0)
	for _, clock := range []string{"00:00", "01:00", "12:30", "23:59"} {
		p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartTime: clock, IsRecurring: true})
		for now := start; now.Before(start.Add(96 * time.Hour)); now = now.Add(37 * time.Minute) {
			next, ok := p.Next(now)
			require.True(t, ok)
			assert.True(t, next.After(now), "next %v not after now %v", next, now)
			assert.LessOrEqual(t, next.Sub(now), 24*time.Hour, "clock %s now %v", clock, now)
		}
	}
}

func TestWeekly(t *testing.T) {
	// 2025-04-26 is a Saturday.
	now := utc(2025, 4, 26, 5, 0)
	tests := []struct {
		name  string
		sched types.Schedule
		want  time.Time
	}{
		{"next listed day", types.Schedule{StartTime: "01:00", DaysOfWeek: []int{1, 3}}, utc(2025, 4, 28, 1, 0)},
		{"today not yet passed", types.Schedule{StartTime: "06:00", DaysOfWeek: []int{6}}, utc(2025, 4, 26, 6, 0)},
		{"today already passed", types.Schedule{StartTime: "01:00", DaysOfWeek: []int{6}}, utc(2025, 5, 3, 1, 0)},
		{"empty days uses today's weekday", types.Schedule{StartTime: "01:00"}, utc(2025, 5, 3, 1, 0)},
		{"empty days uses start date weekday", types.Schedule{StartTime: "01:00", StartDate: "2025-04-22"}, utc(2025, 4, 29, 1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.sched.Frequency = types.FrequencyWeekly
			tt.sched.IsRecurring = true
			next, ok := mustCompile(t, tt.sched).Next(now)
			require.True(t, ok)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestWeekly_WeekdayAlwaysInSet(t *testing.T) {
	sets := [][]int{{0}, {1, 5}, {2, 4, 6}, {0, 1, 2, 3, 4, 5, 6}}
	start := utc(2025, 3, 1, 0, 0)
	for _, days := range sets {
		p := mustCompile(t, types.Schedule{Frequency: types.FrequencyWeekly, StartTime: "09:15", IsRecurring: true, DaysOfWeek: days})
		allowed := make(map[time.Weekday]bool)
		for _, d := range days {
			allowed[time.Weekday(d)] = true
		}
		for now := start; now.Before(start.AddDate(0, 0, 21)); now = now.Add(5 * time.Hour) {
			next, ok := p.Next(now)
			require.True(t, ok)
			assert.True(t, allowed[next.Weekday()], "days %v now %v got %v", days, now, next)
			assert.True(t, next.After(now))
		}
	}
}

func TestMonthly(t *testing.T) {
	tests := []struct {
		name string
		dom  int
		now  time.Time
		want time.Time
	}{
		{"following month", 15, utc(2025, 4, 26, 5, 0), utc(2025, 5, 15, 1, 0)},
		{"clamped to february", 31, utc(2025, 1, 15, 5, 0), utc(2025, 2, 28, 1, 0)},
		{"clamped to leap day", 30, utc(2024, 1, 10, 5, 0), utc(2024, 2, 29, 1, 0)},
		{"clamped to thirty", 31, utc(2025, 3, 31, 2, 0), utc(2025, 4, 30, 1, 0)},
		{"year rollover", 15, utc(2025, 12, 20, 5, 0), utc(2026, 1, 15, 1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, types.Schedule{Frequency: types.FrequencyMonthly, StartTime: "01:00", IsRecurring: true, DayOfMonth: tt.dom})
			next, ok := p.Next(tt.now)
			require.True(t, ok)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestMonthly_FirstRunUsesCurrentMonthWhenAhead(t *testing.T) {
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyMonthly, StartTime: "01:00", IsRecurring: true, DayOfMonth: 20})
	assert.Equal(t, utc(2025, 4, 20, 1, 0), p.First(utc(2025, 4, 10, 5, 0)))
	assert.Equal(t, utc(2025, 5, 20, 1, 0), p.First(utc(2025, 4, 21, 5, 0)))
}

func TestOnce(t *testing.T) {
	now := utc(2025, 4, 26, 5, 0)

	dated := mustCompile(t, types.Schedule{Frequency: types.FrequencyOnce, StartDate: "2025-05-01", StartTime: "02:00"})
	assert.Equal(t, utc(2025, 5, 1, 2, 0), dated.First(now))
	_, ok := dated.Next(utc(2025, 5, 1, 2, 0))
	assert.False(t, ok, "once schedules never recur")

	undated := mustCompile(t, types.Schedule{Frequency: types.FrequencyOnce, StartTime: "01:00"})
	assert.Equal(t, utc(2025, 4, 27, 1, 0), undated.First(now))
}

func TestFutureStartDateDefersFirstRun(t *testing.T) {
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartDate: "2025-05-10", StartTime: "01:00", IsRecurring: true})
	now := utc(2025, 4, 26, 5, 0)
	assert.Equal(t, utc(2025, 5, 10, 1, 0), p.First(now))

	next, ok := p.Next(now)
	require.True(t, ok)
	assert.Equal(t, utc(2025, 5, 10, 1, 0), next)
}

func TestTimezone(t *testing.T) {
	// 05:00Z is midnight in Chicago during daylight saving time.
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartTime: "01:00", IsRecurring: true, Timezone: "America/Chicago"})
	next, ok := p.Next(utc(2025, 4, 26, 5, 0))
	require.True(t, ok)
	assert.Equal(t, utc(2025, 4, 26, 6, 0), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(nil)
	assert.Error(t, err)
	_, err = Compile(&types.Schedule{Frequency: "hourly", StartTime: "01:00"})
	assert.Error(t, err)
	_, err = Compile(&types.Schedule{Frequency: types.FrequencyDaily, StartTime: "1am"})
	assert.Error(t, err)
	_, err = Compile(&types.Schedule{Frequency: types.FrequencyDaily, StartTime: "01:00", Timezone: "Nowhere/Special"})
	assert.Error(t, err)
}

func TestFirstRunAndNextRun(t *testing.T) {
	now := utc(2025, 4, 26, 5, 0)

	got, err := FirstRun(nil, now)
	require.NoError(t, err)
	assert.Nil(t, got)

	nonRecurring := &types.Schedule{Frequency: types.FrequencyDaily, StartTime: "01:00"}
	got, err = FirstRun(nonRecurring, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, utc(2025, 4, 27, 1, 0), *got)

	got, err = NextRun(nonRecurring, now)
	require.NoError(t, err)
	assert.Nil(t, got, "non-recurring schedule has no next run after the first")

	recurring := &types.Schedule{Frequency: types.FrequencyDaily, StartTime: "01:00", IsRecurring: true}
	got, err = NextRun(recurring, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, utc(2025, 4, 27, 1, 0), *got)
}

func TestAnchor_MonthlyKeepsDayAcrossShortMonths(t *testing.T) {
	created := utc(2025, 1, 30, 5, 0)
	s := &types.Schedule{Frequency: types.FrequencyMonthly, StartTime: "01:00", IsRecurring: true}
	require.NoError(t, Anchor(s, created))
	assert.Equal(t, "2025-01-30", s.StartDate)

	next, err := FirstRun(s, created)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, utc(2025, 2, 28, 1, 0), *next)

	// Each run completes a few minutes after it was dispatched.
	for _, want := range []time.Time{utc(2025, 3, 30, 1, 0), utc(2025, 4, 30, 1, 0), utc(2025, 5, 30, 1, 0)} {
		next, err = NextRun(s, next.Add(7*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, want, *next)
	}
}

func TestAnchor_WeeklyLateRunKeepsWeekday(t *testing.T) {
	// 2025-04-26 is a Saturday.
	created := utc(2025, 4, 26, 5, 0)
	s := &types.Schedule{Frequency: types.FrequencyWeekly, StartTime: "23:30", IsRecurring: true}
	require.NoError(t, Anchor(s, created))

	next, err := FirstRun(s, created)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 4, 26, 23, 30), *next)

	// The run ends after midnight, on Sunday.
	next, err = NextRun(s, utc(2025, 4, 27, 0, 45))
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 5, 3, 23, 30), *next)
	assert.Equal(t, time.Saturday, next.Weekday())
}

func TestAnchor_LeavesPinnedSchedulesAlone(t *testing.T) {
	now := utc(2025, 4, 26, 5, 0)
	tests := []types.Schedule{
		{Frequency: types.FrequencyDaily, StartTime: "01:00"},
		{Frequency: types.FrequencyOnce, StartTime: "01:00"},
		{Frequency: types.FrequencyWeekly, StartTime: "01:00", DaysOfWeek: []int{2}},
		{Frequency: types.FrequencyMonthly, StartTime: "01:00", DayOfMonth: 9},
		{Frequency: types.FrequencyMonthly, StartTime: "01:00", StartDate: "2025-03-03"},
	}
	for _, s := range tests {
		want := s.StartDate
		require.NoError(t, Anchor(&s, now))
		assert.Equal(t, want, s.StartDate, "%+v", s)
	}
	require.NoError(t, Anchor(nil, now))
}

func TestAnchor_UsesScheduleZone(t *testing.T) {
	// 03:00Z on the 1st is still the previous evening in Chicago.
	s := &types.Schedule{Frequency: types.FrequencyMonthly, StartTime: "01:00", Timezone: "America/Chicago"}
	require.NoError(t, Anchor(s, utc(2025, 6, 1, 3, 0)))
	assert.Equal(t, "2025-05-31", s.StartDate)
}

// Daily runs keep their wall-clock time in the schedule's zone, so across a
// daylight saving change the UTC gap is the wall-clock day, not 24 hours.
func TestDaily_DaylightSavingKeepsWallClock(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	p := mustCompile(t, types.Schedule{Frequency: types.FrequencyDaily, StartTime: "03:00", IsRecurring: true, Timezone: "America/New_York"})

	// Fall back: 2025-11-02 has 25 hours.
	next, ok := p.Next(time.Date(2025, 11, 1, 3, 30, 0, 0, ny))
	require.True(t, ok)
	assert.Equal(t, utc(2025, 11, 2, 8, 0), next)
	assert.Equal(t, 3, next.In(ny).Hour())

	// Spring forward: 2025-03-09 has 23 hours.
	next, ok = p.Next(time.Date(2025, 3, 8, 3, 30, 0, 0, ny))
	require.True(t, ok)
	assert.Equal(t, utc(2025, 3, 9, 7, 0), next)
	assert.Equal(t, 3, next.In(ny).Hour())
}
