// Package scheduler fires the periodic maintenance tasks: archival, cloud
// reconciliation, trash purging and process checks.
package scheduler

import (
	"context"
	"time"
)

// TimeFields selects which clock fields of the trigger anchor must match the
// fire instant.
type TimeFields uint8

const (
	FieldDay TimeFields = 1 << iota
	FieldHour
	FieldMinute
	FieldSecond
)

// Step advances a candidate fire time to the next period. Calendar months
// and fixed durations never mix.
type Step struct {
	Months   int
	Duration time.Duration
}

func (s Step) advance(t time.Time) time.Time {
	if s.Months > 0 {
		return t.AddDate(0, s.Months, 0)
	}
	return t.Add(s.Duration)
}

// Trigger is a recurrence: an anchor carrying the wanted field values, the
// fields that bind, and the period.
type Trigger struct {
	Anchor time.Time
	Fields TimeFields
	Step   Step
}

// MonthlyTrigger fires on the given day of every month at hour:min.
func MonthlyTrigger(day, hour, min int) Trigger {
	return Trigger{
		Anchor: time.Date(2000, time.January, day, hour, min, 0, 0, time.Local),
		Fields: FieldDay | FieldHour | FieldMinute | FieldSecond,
		Step:   Step{Months: 1},
	}
}

// DailyTrigger fires every day at hour:min.
func DailyTrigger(hour, min int) Trigger {
	return Trigger{
		Anchor: time.Date(2000, time.January, 1, hour, min, 0, 0, time.Local),
		Fields: FieldHour | FieldMinute | FieldSecond,
		Step:   Step{Duration: 24 * time.Hour},
	}
}

// TimedTask is one scheduled job and its runtime state. The state fields are
// owned by the scheduler loop.
type TimedTask struct {
	Name string
	Run  func(ctx context.Context) error

	Trigger       Trigger
	MaxDelay      time.Duration
	RetryTime     time.Duration
	MaxRetryCount int
	SkipIfRunning bool

	enabled    bool
	next       time.Time
	retryCount int
	handle     *runHandle
}

// NextScheduled returns the next instant at or after now whose bound fields
// equal the anchor's, advancing by at most ten steps. ok is false when the
// trigger cannot be reached.
func (t *TimedTask) NextScheduled(now time.Time) (next time.Time, ok bool) {
	candidate := t.applyFields(now)
	for i := 0; i < 10; i++ {
		if !candidate.Before(now) {
			return candidate, true
		}
		candidate = t.Trigger.Step.advance(candidate)
	}
	return time.Time{}, false
}

func (t *TimedTask) applyFields(now time.Time) time.Time {
	year, month, day := now.Date()
	hour, min, sec := now.Clock()
	if t.Trigger.Fields&FieldDay != 0 {
		day = t.Trigger.Anchor.Day()
	}
	if t.Trigger.Fields&FieldHour != 0 {
		hour = t.Trigger.Anchor.Hour()
	}
	if t.Trigger.Fields&FieldMinute != 0 {
		min = t.Trigger.Anchor.Minute()
	}
	if t.Trigger.Fields&FieldSecond != 0 {
		sec = t.Trigger.Anchor.Second()
	}
	return time.Date(year, month, day, hour, min, sec, 0, now.Location())
}

// runHandle tracks one spawned task run.
type runHandle struct {
	done chan struct{}
	err  error
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
