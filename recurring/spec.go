// Package recurring implements the RecurringSpec value object: exactly one
// schedule form (one-shot or periodic), optional run bounds, and
// CalculateNextRun.
package recurring

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies which schedule form a Spec carries.
type Kind string

const (
	KindRunNow         Kind = "RunNow"
	KindSpecificTime   Kind = "SpecificRunTime"
	KindInitialDelay   Kind = "InitialDelay"
	KindCron           Kind = "Cron"
	KindSecondInterval Kind = "SecondInterval"
	KindMinuteInterval Kind = "MinuteInterval"
	KindHourInterval   Kind = "HourInterval"
	KindDayInterval    Kind = "DayInterval"
	KindMonthInterval  Kind = "MonthInterval"
)

// Spec describes a schedule: exactly one of the Kind-selected fields below
// applies. One-shot forms (RunNow, SpecificRunTime, InitialDelay) produce
// exactly one occurrence; CalculateNextRun returns ok=false after their
// single run fires, which terminalizes the task to Completed. The
// interval and cron forms are the only ones with true periodic cadence.
type Spec struct {
	Kind Kind `json:"kind"`

	SpecificRunTimeUtc time.Time     `json:"specific_run_time_utc,omitempty"`
	InitialDelay       time.Duration `json:"initial_delay,omitempty"`
	CronExpression     string        `json:"cron_expression,omitempty"`

	IntervalN int `json:"interval_n,omitempty"` // Second/Minute/Hour interval multiplier

	// Day/Month interval fields.
	TimeOfDay     time.Duration `json:"time_of_day,omitempty"` // offset from midnight UTC
	DaysOfWeekMask uint8        `json:"days_of_week_mask,omitempty"` // bit 0 = Sunday
	DayOfMonth    int           `json:"day_of_month,omitempty"`

	MaxRuns     int        `json:"max_runs,omitempty"`
	RunUntilUtc *time.Time `json:"run_until_utc,omitempty"`

	// firstRunArmed tracks whether a one-shot spec's single occurrence has
	// already been calculated; it is not serialized, since a freshly
	// decoded Spec for a WaitingQueue task has never run.
	armed bool
}

func RunNow() *Spec { return &Spec{Kind: KindRunNow} }

func SpecificRunTime(at time.Time) *Spec {
	return &Spec{Kind: KindSpecificTime, SpecificRunTimeUtc: at.UTC()}
}

func InitialDelay(d time.Duration) *Spec {
	return &Spec{Kind: KindInitialDelay, InitialDelay: d}
}

func Cron(expr string) *Spec {
	return &Spec{Kind: KindCron, CronExpression: expr}
}

func EverySecond(n int) *Spec { return &Spec{Kind: KindSecondInterval, IntervalN: max1(n)} }
func EveryMinute(n int) *Spec { return &Spec{Kind: KindMinuteInterval, IntervalN: max1(n)} }
func EveryHour(n int) *Spec   { return &Spec{Kind: KindHourInterval, IntervalN: max1(n)} }

// EveryDay fires once per selected day, at timeOfDay past midnight UTC.
// daysOfWeekMask selects which weekdays (bit 0 = Sunday .. bit 6 =
// Saturday); a zero mask means every day.
func EveryDay(timeOfDay time.Duration, daysOfWeekMask uint8) *Spec {
	return &Spec{Kind: KindDayInterval, TimeOfDay: timeOfDay, DaysOfWeekMask: daysOfWeekMask}
}

// EveryMonth fires once per month on dayOfMonth, at timeOfDay past
// midnight UTC.
func EveryMonth(dayOfMonth int, timeOfDay time.Duration) *Spec {
	return &Spec{Kind: KindMonthInterval, DayOfMonth: dayOfMonth, TimeOfDay: timeOfDay}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// WithMaxRuns sets the run-count bound.
func (s *Spec) WithMaxRuns(n int) *Spec { s.MaxRuns = n; return s }

// WithRunUntil sets the wall-clock bound.
func (s *Spec) WithRunUntil(t time.Time) *Spec { u := t.UTC(); s.RunUntilUtc = &u; return s }

func (s *Spec) withinBounds(next time.Time, currentRunCount int) bool {
	if s.MaxRuns > 0 && currentRunCount >= s.MaxRuns {
		return false
	}
	if s.RunUntilUtc != nil && next.After(*s.RunUntilUtc) {
		return false
	}
	return true
}

// CalculateNextRun returns the next due time, or ok=false if bounds are
// exhausted or the one-shot form has already run. Interval and cron forms
// return a time strictly after now; RunNow returns now itself, and
// SpecificRunTime returns its fixed time even if that has passed. The
// one-shot forms do not check MaxRuns or RunUntilUtc.
func (s *Spec) CalculateNextRun(now time.Time, currentRunCount int) (time.Time, bool) {
	now = now.UTC()

	switch s.Kind {
	case KindRunNow:
		if currentRunCount > 0 {
			return time.Time{}, false
		}
		return now, true

	case KindSpecificTime:
		if currentRunCount > 0 {
			return time.Time{}, false
		}
		return s.SpecificRunTimeUtc, true

	case KindInitialDelay:
		if currentRunCount > 0 {
			return time.Time{}, false
		}
		return now.Add(s.InitialDelay), true

	case KindCron:
		schedule, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, false
		}
		next := schedule.Next(now)
		if !s.withinBounds(next, currentRunCount) {
			return time.Time{}, false
		}
		return next, true

	case KindSecondInterval:
		next := now.Add(time.Duration(s.IntervalN) * time.Second)
		if !s.withinBounds(next, currentRunCount) {
			return time.Time{}, false
		}
		return next, true

	case KindMinuteInterval:
		next := now.Add(time.Duration(s.IntervalN) * time.Minute)
		if !s.withinBounds(next, currentRunCount) {
			return time.Time{}, false
		}
		return next, true

	case KindHourInterval:
		next := now.Add(time.Duration(s.IntervalN) * time.Hour)
		if !s.withinBounds(next, currentRunCount) {
			return time.Time{}, false
		}
		return next, true

	case KindDayInterval:
		next := nextDayOccurrence(now, s.TimeOfDay, s.DaysOfWeekMask)
		if !s.withinBounds(next, currentRunCount) {
			return time.Time{}, false
		}
		return next, true

	case KindMonthInterval:
		next := nextMonthOccurrence(now, s.DayOfMonth, s.TimeOfDay)
		if !s.withinBounds(next, currentRunCount) {
			return time.Time{}, false
		}
		return next, true

	default:
		return time.Time{}, false
	}
}

func nextDayOccurrence(now time.Time, timeOfDay time.Duration, mask uint8) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(timeOfDay)
	for i := 0; i < 8; i++ {
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
			continue
		}
		if mask == 0 || mask&(1<<uint(candidate.Weekday())) != 0 {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextMonthOccurrence(now time.Time, dayOfMonth int, timeOfDay time.Duration) time.Time {
	year, month := now.Year(), now.Month()
	candidate := time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC).Add(timeOfDay)
	if !candidate.After(now) {
		month++
		if month > 12 {
			month = 1
			year++
		}
		candidate = time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC).Add(timeOfDay)
	}
	return candidate
}

// Encode serializes the spec for storage in PersistedTask.RecurringSpec.
func (s *Spec) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode reconstructs a Spec previously written by Encode.
func Decode(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("recurring: decode spec: %w", err)
	}
	return &s, nil
}
