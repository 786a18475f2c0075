package clock

import (
	"testing"
	"time"
)

func TestSystemClockIsUTC(t *testing.T) {
	if loc := (System{}).Now().Location(); loc != time.UTC {
		t.Errorf("System.Now() location = %v, want UTC", loc)
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}

	f.Advance(90 * time.Minute)
	if want := start.Add(90 * time.Minute); !f.Now().Equal(want) {
		t.Errorf("after Advance Now() = %v, want %v", f.Now(), want)
	}

	later := time.Date(2024, 2, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	f.Set(later)
	if f.Now().Location() != time.UTC || !f.Now().Equal(later) {
		t.Errorf("after Set Now() = %v, want %v in UTC", f.Now(), later)
	}
}
