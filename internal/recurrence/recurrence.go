// Package recurrence computes the occurrences of recurring reminders.
//
// All arithmetic is done in UTC on stored instants, so daylight saving transitions
// never shift the time of day of a series.
package recurrence

import (
	"errors"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// ErrNotRecurring is returned by Next for rules that have no next occurrence.
var ErrNotRecurring = errors.New("recurrence: rule has no next occurrence")

// Next returns the occurrence that follows current under rule.
//
// Monthly keeps the day of month; when the target month is shorter the result is
// clamped to its last day (Jan 31 -> Feb 29 in a leap year).
func Next(current time.Time, rule models.Recurrence) (time.Time, error) {
	current = current.UTC()
	switch rule {
	case models.RecurrenceDaily:
		return current.AddDate(0, 0, 1), nil
	case models.RecurrenceWeekly:
		return current.AddDate(0, 0, 7), nil
	case models.RecurrenceMonthly:
		return addMonthClamped(current), nil
	default:
		return time.Time{}, ErrNotRecurring
	}
}

// HasEnded reports whether next falls after the end of the series.
func HasEnded(next time.Time, endRepeat *time.Time) bool {
	return endRepeat != nil && next.After(*endRepeat)
}

// Advance computes the schedule after a successful dispatch of current: the
// following occurrence, or ended when the rule is not recurring or that
// occurrence falls after endRepeat. It moves exactly one step; an occurrence
// that is already due is picked up by the next scan.
func Advance(current time.Time, rule models.Recurrence, endRepeat *time.Time) (next time.Time, ended bool) {
	n, err := Next(current, rule)
	if err != nil || HasEnded(n, endRepeat) {
		return time.Time{}, true
	}
	return n, false
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	ty, tm := y, m+1
	if tm > time.December {
		ty, tm = y+1, time.January
	}
	if last := daysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
