package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		current time.Time
		rule    models.Recurrence
		want    time.Time
	}{
		{"monthly clamps into leap February", utc(2024, 1, 31, 9, 0), models.RecurrenceMonthly, utc(2024, 2, 29, 9, 0)},
		{"monthly clamps into short February", utc(2023, 1, 31, 9, 0), models.RecurrenceMonthly, utc(2023, 2, 28, 9, 0)},
		{"monthly clamps into 30 day month", utc(2024, 3, 31, 18, 30), models.RecurrenceMonthly, utc(2024, 4, 30, 18, 30)},
		{"monthly keeps day of month", utc(2024, 1, 20, 9, 0), models.RecurrenceMonthly, utc(2024, 2, 20, 9, 0)},
		{"monthly wraps year", utc(2024, 12, 31, 23, 59), models.RecurrenceMonthly, utc(2025, 1, 31, 23, 59)},
		{"weekly", utc(2024, 1, 15, 9, 0), models.RecurrenceWeekly, utc(2024, 1, 22, 9, 0)},
		{"weekly across month", utc(2024, 2, 26, 7, 0), models.RecurrenceWeekly, utc(2024, 3, 4, 7, 0)},
		{"daily", utc(2024, 3, 1, 0, 0), models.RecurrenceDaily, utc(2024, 3, 2, 0, 0)},
		{"daily into leap day", utc(2024, 2, 28, 12, 0), models.RecurrenceDaily, utc(2024, 2, 29, 12, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.current, tt.rule)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v, %v) = %v, want %v", tt.current, tt.rule, got, tt.want)
			}
		})
	}
}

func TestNextPreservesSubSecondTime(t *testing.T) {
	current := time.Date(2024, 1, 31, 9, 15, 42, 123456789, time.UTC)
	got, err := Next(current, models.RecurrenceMonthly)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2024, 2, 29, 9, 15, 42, 123456789, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestNextNormalizesToUTC(t *testing.T) {
	// 2024-03-09 23:30 in New York (UTC-5) is 2024-03-10 04:30 UTC; the DST switch on
	// 2024-03-10 must not move the UTC time of day.
	loc := time.FixedZone("EST", -5*3600)
	current := time.Date(2024, 3, 9, 23, 30, 0, 0, loc)
	got, err := Next(current, models.RecurrenceDaily)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := utc(2024, 3, 11, 4, 30)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Next() = %v, want %v UTC", got, want)
	}
}

func TestNextNone(t *testing.T) {
	if _, err := Next(utc(2024, 1, 1, 0, 0), models.RecurrenceNone); !errors.Is(err, ErrNotRecurring) {
		t.Errorf("Next(none) error = %v, want ErrNotRecurring", err)
	}
	if _, err := Next(utc(2024, 1, 1, 0, 0), models.Recurrence(42)); !errors.Is(err, ErrNotRecurring) {
		t.Errorf("Next(unknown) error = %v, want ErrNotRecurring", err)
	}
}

func TestHasEnded(t *testing.T) {
	end := utc(2024, 2, 1, 0, 0)
	tests := []struct {
		name string
		next time.Time
		end  *time.Time
		want bool
	}{
		{"no end", utc(2030, 1, 1, 0, 0), nil, false},
		{"before end", utc(2024, 1, 31, 0, 0), &end, false},
		{"equal to end", end, &end, false},
		{"after end", utc(2024, 2, 20, 0, 0), &end, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasEnded(tt.next, tt.end); got != tt.want {
				t.Errorf("HasEnded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdvance(t *testing.T) {
	end := utc(2024, 2, 1, 0, 0)
	tests := []struct {
		name      string
		current   time.Time
		rule      models.Recurrence
		end       *time.Time
		want      time.Time
		wantEnded bool
	}{
		{"monthly series passes end", utc(2024, 1, 20, 0, 0), models.RecurrenceMonthly, &end, time.Time{}, true},
		{"one-shot ends", utc(2024, 1, 20, 0, 0), models.RecurrenceNone, nil, time.Time{}, true},
		{"daily advances one step", utc(2024, 3, 1, 9, 0), models.RecurrenceDaily, nil, utc(2024, 3, 2, 9, 0), false},
		{"monthly moves one month however late", utc(2024, 1, 20, 9, 0), models.RecurrenceMonthly, nil, utc(2024, 2, 20, 9, 0), false},
		{"occurrence equal to end is kept", utc(2024, 3, 3, 0, 0), models.RecurrenceDaily, ptr(utc(2024, 3, 4, 0, 0)), utc(2024, 3, 4, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ended := Advance(tt.current, tt.rule, tt.end)
			if ended != tt.wantEnded || !next.Equal(tt.want) {
				t.Errorf("Advance() = %v, %v; want %v, %v", next, ended, tt.want, tt.wantEnded)
			}
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }
