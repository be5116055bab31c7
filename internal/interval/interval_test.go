package interval

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC)
}

func TestOverlapMinutes(t *testing.T) {
	window := New(at(12, 50), at(13, 20))

	tests := []struct {
		name  string
		event Range
		want  int
		ok    bool
	}{
		{"event starts inside window", New(at(13, 0), at(14, 0)), 20, true},
		{"event after window", New(at(15, 0), at(16, 0)), 0, false},
		{"touching end is not overlap", New(at(13, 20), at(14, 0)), 0, false},
		{"touching start is not overlap", New(at(12, 0), at(12, 50)), 0, false},
		{"window inside event", New(at(12, 0), at(14, 0)), 30, true},
		{"event inside window", New(at(12, 55), at(13, 5)), 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.event, window); got != tt.ok {
				t.Fatalf("Overlaps = %v, want %v", got, tt.ok)
			}
			if got := OverlapMinutes(tt.event, window); got != tt.want {
				t.Errorf("OverlapMinutes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDatesSpanningMidnight(t *testing.T) {
	r := New(time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC), time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC))
	got := Dates(r, time.UTC)
	if len(got) != 2 {
		t.Fatalf("expected 2 dates, got %v", got)
	}
	if DateKey(got[0]) != "2025-03-10" || DateKey(got[1]) != "2025-03-11" {
		t.Errorf("unexpected dates %v", got)
	}

	// An event ending exactly at midnight does not touch the next day.
	r = New(time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC), time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC))
	if got := Dates(r, time.UTC); len(got) != 1 {
		t.Errorf("expected 1 date, got %v", got)
	}
}

func TestDateOfUsesLocation(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*3600)
	instant := time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC)
	if got := DateKey(DateOf(instant, riyadh)); got != "2025-03-11" {
		t.Errorf("DateOf = %s, want 2025-03-11", got)
	}
}

func TestClockWindowCrossingMidnight(t *testing.T) {
	w, err := ParseClockWindow("22:00", "08:00")
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"21:59": false,
		"22:00": true,
		"23:00": true,
		"03:00": true,
		"07:59": true,
		"08:00": false,
		"12:00": false,
	}
	for clock, want := range cases {
		c := MustClock(clock)
		if got := w.Contains(at(c.Hour, c.Minute), time.UTC); got != want {
			t.Errorf("Contains(%s) = %v, want %v", clock, got, want)
		}
	}
}

func TestClockWindowNextExit(t *testing.T) {
	w, _ := ParseClockWindow("22:00", "08:00")

	exit := w.NextExit(at(23, 0), time.UTC)
	want := time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)
	if !exit.Equal(want) {
		t.Errorf("NextExit(23:00) = %v, want %v", exit, want)
	}

	exit = w.NextExit(at(3, 0), time.UTC)
	want = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if !exit.Equal(want) {
		t.Errorf("NextExit(03:00) = %v, want %v", exit, want)
	}
}

func TestParseClockRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "25:00", "12", "ab:cd", "12:60"} {
		if _, err := ParseClock(s); err == nil {
			t.Errorf("ParseClock(%q) expected error", s)
		}
	}
}
