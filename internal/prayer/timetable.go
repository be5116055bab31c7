package prayer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/natindo/PrayerVigil/internal/interval"
)

// Timetable is a static prayer schedule, typically exported from a local
// mosque. Days lists explicit dates; Default, when set, applies to any date
// not listed.
//
//	default:
//	  fajr: "05:00"
//	  dhuhr: "12:15"
//	days:
//	  "2025-03-10": {fajr: "04:58", dhuhr: "12:14", asr: "15:40", maghrib: "18:12", isha: "19:42"}
type Timetable struct {
	Default map[string]string            `yaml:"default"`
	Days    map[string]map[string]string `yaml:"days"`
}

// TimetableResolver resolves prayer times from a Timetable.
type TimetableResolver struct {
	table Timetable
}

// LoadTimetable reads a YAML timetable from path.
func LoadTimetable(path string) (*TimetableResolver, error) {
	if path == "" {
		return nil, errors.New("timetable path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timetable: %w", err)
	}
	return ParseTimetable(data)
}

// ParseTimetable parses a YAML timetable document.
func ParseTimetable(data []byte) (*TimetableResolver, error) {
	var t Timetable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse timetable: %w", err)
	}
	for date, row := range t.Days {
		if _, err := interval.ParseDate(date); err != nil {
			return nil, err
		}
		if _, err := parseRow(row); err != nil {
			return nil, fmt.Errorf("timetable %s: %w", date, err)
		}
	}
	if _, err := parseRow(t.Default); err != nil {
		return nil, fmt.Errorf("timetable default: %w", err)
	}
	return &TimetableResolver{table: t}, nil
}

func parseRow(row map[string]string) (map[Name]interval.Clock, error) {
	out := make(map[Name]interval.Clock, len(row))
	for k, v := range row {
		n, err := ParseName(k)
		if err != nil {
			return nil, err
		}
		c, err := interval.ParseClock(v)
		if err != nil {
			return nil, err
		}
		out[n] = c
	}
	return out, nil
}

// Resolve implements Resolver.
func (r *TimetableResolver) Resolve(_ context.Context, owner uuid.UUID, loc *time.Location, from, to time.Time) ([]Day, error) {
	dates, err := DateSpan(from, to)
	if err != nil {
		return nil, err
	}
	// Rows were validated in ParseTimetable.
	fallback, _ := parseRow(r.table.Default)

	var out []Day
	for _, date := range dates {
		row := fallback
		if explicit, ok := r.table.Days[interval.DateKey(date)]; ok {
			row, _ = parseRow(explicit)
		}
		if len(row) == 0 {
			continue
		}
		day := Day{OwnerID: owner, Date: date, Times: make(map[Name]time.Time, len(row))}
		for n, c := range row {
			day.Times[n] = c.On(date, loc)
		}
		out = append(out, day)
	}
	return out, nil
}
