package prayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

// DefaultChunkDays bounds how many consecutive dates one Resolve call covers.
const DefaultChunkDays = 14

// ErrNoSource is returned by the null resolver.
var ErrNoSource = errors.New("no prayer time source configured")

// Resolver produces prayer instants for a date range. Dates that the source
// knows nothing about are simply absent from the result.
type Resolver interface {
	Resolve(ctx context.Context, owner uuid.UUID, loc *time.Location, from, to time.Time) ([]Day, error)
}

// NoneResolver never resolves anything.
type NoneResolver struct{}

func (NoneResolver) Resolve(context.Context, uuid.UUID, *time.Location, time.Time, time.Time) ([]Day, error) {
	return nil, ErrNoSource
}

// DateSpan lists every date from from to to inclusive. Both ends are
// midnight-UTC dates.
func DateSpan(from, to time.Time) ([]time.Time, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("date span: %s is before %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: from,
		Until:   to,
	})
	if err != nil {
		return nil, fmt.Errorf("date span rule: %w", err)
	}
	return r.All(), nil
}

// Chunk groups sorted dates into runs whose first and last date are at
// most maxDays-1 days apart, so each run can be handed to a Resolver as one
// bounded request.
func Chunk(dates []time.Time, maxDays int) [][2]time.Time {
	if maxDays <= 0 {
		maxDays = DefaultChunkDays
	}
	var out [][2]time.Time
	for i := 0; i < len(dates); {
		first := dates[i]
		limit := first.AddDate(0, 0, maxDays-1)
		last := first
		j := i
		for j < len(dates) && !dates[j].After(limit) {
			last = dates[j]
			j++
		}
		out = append(out, [2]time.Time{first, last})
		i = j
	}
	return out
}
