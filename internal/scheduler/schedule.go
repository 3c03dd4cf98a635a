package scheduler

import (
	"errors"
	"fmt"
	"time"

	// Embedded zone database so schedule time zones resolve on minimal hosts.
	_ "time/tzdata"

	"github.com/hyperengineering/syncd/internal/types"
)

// Clock is a wall-clock time of day parsed from "HH:MM".
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses a 24-hour "HH:MM" start time.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != 5 {
		return Clock{}, fmt.Errorf("invalid start time %q: want HH:MM", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// ParseStartDate parses a "YYYY-MM-DD" start date.
func ParseStartDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// Location resolves the schedule's time zone. An empty zone is UTC.
func Location(s *types.Schedule) (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Plan is a parsed schedule ready for next-run computation. All results are
// returned in UTC; calendar arithmetic happens in the schedule's zone.
type Plan struct {
	freq   types.Frequency
	clock  Clock
	loc    *time.Location
	days   map[time.Weekday]bool
	dom    int
	anchor time.Time // zero when the schedule has no start date
}

// Compile parses and checks a schedule.
func Compile(s *types.Schedule) (*Plan, error) {
	if s == nil {
		return nil, errors.New("nil schedule")
	}
	clock, err := ParseClock(s.StartTime)
	if err != nil {
		return nil, err
	}
	loc, err := Location(s)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", s.Timezone, err)
	}
	p := &Plan{freq: s.Frequency, clock: clock, loc: loc, dom: s.DayOfMonth}
	if s.StartDate != "" {
		d, err := ParseStartDate(s.StartDate)
		if err != nil {
			return nil, err
		}
		p.anchor = time.Date(d.Year(), d.Month(), d.Day(), clock.Hour, clock.Minute, 0, 0, loc)
	}
	switch s.Frequency {
	case types.FrequencyOnce, types.FrequencyDaily, types.FrequencyMonthly:
	case types.FrequencyWeekly:
		p.days = make(map[time.Weekday]bool, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return nil, fmt.Errorf("invalid day of week %d", d)
			}
			p.days[time.Weekday(d)] = true
		}
	default:
		return nil, fmt.Errorf("unknown frequency %q", s.Frequency)
	}
	return p, nil
}

// First returns the first occurrence of a freshly created or rescheduled
// operation. Once schedules with a start date return that instant even if it
// has already passed, so an overdue one-off job runs on the next tick.
func (p *Plan) First(now time.Time) time.Time {
	if p.freq == types.FrequencyOnce && !p.anchor.IsZero() {
		return p.anchor.UTC()
	}
	ref := p.reference(now)
	switch p.freq {
	case types.FrequencyWeekly:
		return p.nextWeekly(ref, now)
	case types.FrequencyMonthly:
		if t := p.monthOccurrence(ref.In(p.loc), 0, now); t.After(ref) {
			return t.UTC()
		}
		return p.monthOccurrence(ref.In(p.loc), 1, now).UTC()
	default:
		return p.nextDaily(ref)
	}
}

// Next returns the occurrence following a completed run at now. Once
// schedules never produce another run.
func (p *Plan) Next(now time.Time) (time.Time, bool) {
	if p.anchor.After(now) {
		return p.First(now), p.freq != types.FrequencyOnce
	}
	switch p.freq {
	case types.FrequencyOnce:
		return time.Time{}, false
	case types.FrequencyDaily:
		return p.nextDaily(now), true
	case types.FrequencyWeekly:
		return p.nextWeekly(now, now), true
	case types.FrequencyMonthly:
		return p.monthOccurrence(now.In(p.loc), 1, now).UTC(), true
	}
	return time.Time{}, false
}

// reference is the instant occurrences must come strictly after. A future
// start date moves it to just before the anchor so the anchor itself counts.
func (p *Plan) reference(now time.Time) time.Time {
	if p.anchor.After(now) {
		return p.anchor.Add(-time.Nanosecond)
	}
	return now
}

func (p *Plan) at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, p.clock.Hour, p.clock.Minute, 0, 0, p.loc)
}

// nextDaily keeps the wall-clock start time in the schedule's zone, so across
// a daylight saving change the gap from ref can be up to 25 hours in UTC.
func (p *Plan) nextDaily(ref time.Time) time.Time {
	l := ref.In(p.loc)
	t := p.at(l.Year(), l.Month(), l.Day())
	if !t.After(ref) {
		t = p.at(l.Year(), l.Month(), l.Day()+1)
	}
	return t.UTC()
}

func (p *Plan) nextWeekly(ref, now time.Time) time.Time {
	days := p.days
	if len(days) == 0 {
		anchorDay := now.In(p.loc).Weekday()
		if !p.anchor.IsZero() {
			anchorDay = p.anchor.Weekday()
		}
		days = map[time.Weekday]bool{anchorDay: true}
	}
	l := ref.In(p.loc)
	for i := 0; i <= 7; i++ {
		t := p.at(l.Year(), l.Month(), l.Day()+i)
		if days[t.Weekday()] && t.After(ref) {
			return t.UTC()
		}
	}
	// Unreachable with at least one weekday in the set.
	return p.at(l.Year(), l.Month(), l.Day()+7).UTC()
}

// monthOccurrence returns the occurrence in the month offset months after
// base, with the day clamped to that month's length.
func (p *Plan) monthOccurrence(base time.Time, offset int, now time.Time) time.Time {
	first := time.Date(base.Year(), base.Month()+time.Month(offset), 1, 0, 0, 0, 0, p.loc)
	day := p.dom
	if day == 0 {
		if !p.anchor.IsZero() {
			day = p.anchor.Day()
		} else {
			day = now.In(p.loc).Day()
		}
	}
	if last := daysIn(first.Year(), first.Month(), p.loc); day > last {
		day = last
	}
	return p.at(first.Year(), first.Month(), day)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// FirstRun computes nextRunAt for a newly created or rescheduled operation.
// It returns nil when there is no schedule.
func FirstRun(s *types.Schedule, now time.Time) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	p, err := Compile(s)
	if err != nil {
		return nil, err
	}
	t := p.First(now)
	return &t, nil
}

// NextRun computes nextRunAt after a run reached a terminal state at now.
// Non-recurring schedules yield nil.
func NextRun(s *types.Schedule, now time.Time) (*time.Time, error) {
	if !s.Recurring() {
		return nil, nil
	}
	p, err := Compile(s)
	if err != nil {
		return nil, err
	}
	t, ok := p.Next(now)
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Anchor pins the day that weekly schedules without days and monthly
// schedules without a day of month repeat on. Without a start date that day
// would be re-read from each completion time, so a late or clamped run would
// move every later occurrence. The creation date in the schedule's zone is
// stored as the start date.
func Anchor(s *types.Schedule, now time.Time) error {
	if s == nil || s.StartDate != "" {
		return nil
	}
	floating := (s.Frequency == types.FrequencyWeekly && len(s.DaysOfWeek) == 0) ||
		(s.Frequency == types.FrequencyMonthly && s.DayOfMonth == 0)
	if !floating {
		return nil
	}
	loc, err := Location(s)
	if err != nil {
		return fmt.Errorf("invalid time zone %q: %w", s.Timezone, err)
	}
	s.StartDate = now.In(loc).Format("2006-01-02")
	return nil
}
