// Package prayer models the five daily prayer anchors, their protected
// buffers, and the sources that resolve prayer instants for a date.
package prayer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
)

// Name identifies one of the five daily prayers.
type Name string

const (
	Fajr    Name = "fajr"
	Dhuhr   Name = "dhuhr"
	Asr     Name = "asr"
	Maghrib Name = "maghrib"
	Isha    Name = "isha"
)

// Names lists the prayers in daily order.
var Names = []Name{Fajr, Dhuhr, Asr, Maghrib, Isha}

// ParseName normalises s into a Name. Common transliterations are accepted.
func ParseName(s string) (Name, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fajr", "fadjr", "subh", "sobh":
		return Fajr, nil
	case "dhuhr", "zuhr", "zohr", "dhuhur", "duhr", "jumuah", "jummah":
		return Dhuhr, nil
	case "asr":
		return Asr, nil
	case "maghrib", "magrib":
		return Maghrib, nil
	case "isha", "ishaa", "esha":
		return Isha, nil
	}
	return "", fmt.Errorf("unknown prayer %q", s)
}

// Buffer is the protected time around a prayer instant, in minutes.
type Buffer struct {
	Pre  int `json:"pre" yaml:"pre"`
	Post int `json:"post" yaml:"post"`
}

// Buffers maps each prayer to its buffer.
type Buffers map[Name]Buffer

// DefaultBuffers returns the stock per-prayer buffers. Fajr gets a longer
// window, Maghrib a shorter one.
func DefaultBuffers() Buffers {
	return Buffers{
		Fajr:    {Pre: 15, Post: 30},
		Dhuhr:   {Pre: 10, Post: 20},
		Asr:     {Pre: 10, Post: 20},
		Maghrib: {Pre: 10, Post: 15},
		Isha:    {Pre: 10, Post: 20},
	}
}

// For returns the buffer for n, falling back to the defaults when the
// owner has not configured one.
func (b Buffers) For(n Name) Buffer {
	if buf, ok := b[n]; ok {
		return buf
	}
	return DefaultBuffers()[n]
}

// Merge overlays other on top of b.
func (b Buffers) Merge(other Buffers) Buffers {
	out := make(Buffers, len(Names))
	for _, n := range Names {
		out[n] = b.For(n)
	}
	for n, buf := range other {
		out[n] = buf
	}
	return out
}

// Day holds the resolved prayer instants for one owner on one date.
type Day struct {
	OwnerID uuid.UUID
	// Date is the local calendar date, encoded as midnight UTC.
	Date  time.Time
	Times map[Name]time.Time
}

// Complete reports whether all five prayers are present.
func (d Day) Complete() bool {
	for _, n := range Names {
		if _, ok := d.Times[n]; !ok {
			return false
		}
	}
	return true
}

// Window is a buffered prayer window [At-Pre, At+Post).
type Window struct {
	Prayer Name
	At     time.Time
	Range  interval.Range
}

// WindowFor returns the buffered window around at.
func WindowFor(n Name, at time.Time, buf Buffer) Window {
	return Window{
		Prayer: n,
		At:     at,
		Range: interval.New(
			at.Add(-time.Duration(buf.Pre)*time.Minute),
			at.Add(time.Duration(buf.Post)*time.Minute),
		),
	}
}

// Windows returns the buffered windows for every prayer present on d, in
// daily order.
func Windows(d Day, buffers Buffers) []Window {
	out := make([]Window, 0, len(Names))
	for _, n := range Names {
		at, ok := d.Times[n]
		if !ok {
			continue
		}
		out = append(out, WindowFor(n, at, buffers.For(n)))
	}
	return out
}

// Containing returns the first window of d that contains t, using the same
// pre/post span for every prayer.
func Containing(d Day, t time.Time, pre, post time.Duration) (Window, bool) {
	for _, n := range Names {
		at, ok := d.Times[n]
		if !ok {
			continue
		}
		w := Window{Prayer: n, At: at, Range: interval.New(at.Add(-pre), at.Add(post))}
		if w.Range.Contains(t) {
			return w, true
		}
	}
	return Window{}, false
}
