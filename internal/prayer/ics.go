package prayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
)

// ICSResolver reads prayer times from an iCalendar feed in which every
// prayer is a VEVENT whose SUMMARY names the prayer ("Fajr", "Dhuhr", ...).
// Many mosques publish their timetable this way.
type ICSResolver struct {
	url    string
	client *http.Client
}

// NewICSResolver returns a resolver for the feed at url.
func NewICSResolver(url string, client *http.Client) *ICSResolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ICSResolver{url: url, client: client}
}

// Resolve implements Resolver.
func (r *ICSResolver) Resolve(ctx context.Context, owner uuid.UUID, loc *time.Location, from, to time.Time) ([]Day, error) {
	if r.url == "" {
		return nil, errors.New("ics source URL is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prayer feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch prayer feed: status %s, body %s", resp.Status, string(body))
	}
	return ParseICS(resp.Body, owner, loc, from, to)
}

// ParseICS extracts prayer days between from and to (inclusive dates) from
// an iCalendar document. Events whose summary is not a prayer are ignored.
func ParseICS(r io.Reader, owner uuid.UUID, loc *time.Location, from, to time.Time) ([]Day, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse prayer feed: %w", err)
	}

	byDate := make(map[time.Time]*Day)
	var order []time.Time
	for _, ev := range cal.Events() {
		summary := ev.GetProperty(ical.ComponentPropertySummary)
		if summary == nil {
			continue
		}
		name, err := ParseName(summary.Value)
		if err != nil {
			continue
		}
		start, err := ev.GetStartAt()
		if err != nil {
			continue
		}
		date := interval.DateOf(start, loc)
		if date.Before(from) || date.After(to) {
			continue
		}
		day, ok := byDate[date]
		if !ok {
			day = &Day{OwnerID: owner, Date: date, Times: make(map[Name]time.Time, len(Names))}
			byDate[date] = day
			order = append(order, date)
		}
		day.Times[name] = start
	}

	out := make([]Day, 0, len(order))
	for _, d := range order {
		out = append(out, *byDate[d])
	}
	return out, nil
}
