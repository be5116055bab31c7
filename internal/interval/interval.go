// Package interval holds the time arithmetic shared by conflict detection and
// notification scheduling. Ranges are half-open: [Start, End).
package interval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Range is a half-open time interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// New returns the range [start, end).
func New(start, end time.Time) Range {
	return Range{Start: start, End: end}
}

// Valid reports whether End is not before Start.
func (r Range) Valid() bool {
	return !r.End.Before(r.Start)
}

// Duration of the range. Invalid ranges have zero duration.
func (r Range) Duration() time.Duration {
	if !r.Valid() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Contains reports whether t lies in [Start, End).
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Shift moves both ends of the range by d.
func (r Range) Shift(d time.Duration) Range {
	return Range{Start: r.Start.Add(d), End: r.End.Add(d)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Overlaps reports whether max(a.Start, b.Start) < min(a.End, b.End).
func Overlaps(a, b Range) bool {
	return latest(a.Start, b.Start).Before(earliest(a.End, b.End))
}

// Intersection returns the common part of a and b, and false if they do not overlap.
func Intersection(a, b Range) (Range, bool) {
	if !Overlaps(a, b) {
		return Range{}, false
	}
	return Range{Start: latest(a.Start, b.Start), End: earliest(a.End, b.End)}, true
}

// Overlap returns the length of the intersection of a and b.
func Overlap(a, b Range) time.Duration {
	in, ok := Intersection(a, b)
	if !ok {
		return 0
	}
	return in.Duration()
}

// OverlapMinutes returns the overlap in whole minutes, rounded down.
func OverlapMinutes(a, b Range) int {
	return int(Overlap(a, b) / time.Minute)
}

// CeilMinutes rounds d up to whole minutes.
func CeilMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// DateOf returns the calendar date of t in loc, encoded as midnight UTC.
// Dates are compared and stored in this form throughout the module.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

// DateKey formats a date as YYYY-MM-DD.
func DateKey(date time.Time) string {
	return date.Format(time.DateOnly)
}

// ParseDate parses YYYY-MM-DD into the midnight-UTC date form.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// Dates returns every local date touched by r. A zero-length range yields the
// date of its start.
func Dates(r Range, loc *time.Location) []time.Time {
	first := DateOf(r.Start, loc)
	lastInstant := r.End
	if r.End.After(r.Start) {
		lastInstant = r.End.Add(-time.Nanosecond)
	}
	last := DateOf(lastInstant, loc)
	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// DayRange returns the instants covering the whole local date in loc.
func DayRange(date time.Time, loc *time.Location) Range {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	return Range{Start: start, End: start.AddDate(0, 0, 1)}
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (seconds are tolerated and ignored).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// MustClock is ParseClock for constants.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

// On returns the instant of this clock time on date in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(date.Year(), date.Month(), date.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// ClockWindow is a daily wall-clock window such as quiet hours. When Start is
// after End the window crosses midnight (22:00-08:00).
type ClockWindow struct {
	Start Clock
	End   Clock
}

// ParseClockWindow parses a start/end pair of "HH:MM" strings.
func ParseClockWindow(start, end string) (ClockWindow, error) {
	s, err := ParseClock(start)
	if err != nil {
		return ClockWindow{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return ClockWindow{}, err
	}
	return ClockWindow{Start: s, End: e}, nil
}

// Empty reports whether the window covers no time at all.
func (w ClockWindow) Empty() bool {
	return w.Start == w.End
}

// Contains reports whether t, read as wall time in loc, is inside the window.
func (w ClockWindow) Contains(t time.Time, loc *time.Location) bool {
	if w.Empty() {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	now := l.Hour()*60 + l.Minute()
	start, end := w.Start.minutes(), w.End.minutes()
	if start < end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// NextExit returns the first instant strictly after t at which the window ends.
func (w ClockWindow) NextExit(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	exit := w.End.On(l, loc)
	if !exit.After(l) {
		exit = w.End.On(l.AddDate(0, 0, 1), loc)
	}
	return exit
}
