package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
)

// DefaultSeverityBuffer is the overlap, in minutes, at which a conflict
// becomes hard.
const DefaultSeverityBuffer = 20

// DetectResult is the outcome of one detection pass.
type DetectResult struct {
	Conflicts []models.Conflict `json:"conflicts"`
	// MissingDates lists local dates that had events but no prayer times.
	MissingDates []time.Time `json:"missing_dates,omitempty"`
}

// Detector finds overlaps between events and buffered prayer windows.
type Detector struct {
	Store     Store
	Resolver  prayer.Resolver
	Suggester Suggester
	// ChunkDays bounds one prayer-time resolution request.
	ChunkDays      int
	SeverityBuffer int
	Now            Clock
}

// Detect checks every event of owner intersecting [from, to) against the
// prayer windows of each local date it touches and upserts one conflict per
// overlapping (event, date, prayer). Running it twice over unchanged data
// changes nothing.
func (d *Detector) Detect(ctx context.Context, owner uuid.UUID, from, to time.Time, bufferMinutes int) (DetectResult, error) {
	if owner == uuid.Nil {
		return DetectResult{}, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	if !to.After(from) {
		return DetectResult{}, fmt.Errorf("%w: range end must be after start", models.ErrInvalidInput)
	}
	if bufferMinutes <= 0 {
		bufferMinutes = d.SeverityBuffer
	}
	if bufferMinutes <= 0 {
		bufferMinutes = DefaultSeverityBuffer
	}

	profile, err := d.Store.GetProfile(ctx, owner)
	if err != nil {
		return DetectResult{}, fmt.Errorf("load profile: %w", err)
	}
	loc := profile.Location()
	buffers := prayer.DefaultBuffers().Merge(profile.Buffers)

	events, err := d.Store.ListEventsInRange(ctx, owner, from, to)
	if err != nil {
		return DetectResult{}, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return DetectResult{Conflicts: []models.Conflict{}}, nil
	}

	eventDates := make(map[uuid.UUID][]time.Time, len(events))
	needed := make(map[time.Time]struct{})
	for i := range events {
		dates := interval.Dates(events[i].Range(), loc)
		eventDates[events[i].ID] = dates
		for _, date := range dates {
			needed[date] = struct{}{}
		}
	}

	days, missing, err := d.loadDays(ctx, owner, loc, needed)
	if err != nil {
		return DetectResult{}, err
	}
	if len(missing) > 0 {
		metrics.MissingPrayerDays.Add(float64(len(missing)))
	}

	suggester := d.Suggester
	if suggester == nil {
		suggester = DefaultSuggester{}
	}
	now := d.Now.now()
	result := DetectResult{Conflicts: []models.Conflict{}, MissingDates: missing}

	err = d.Store.InTx(ctx, func(tx Store) error {
		result.Conflicts = result.Conflicts[:0]
		found := make(map[string]struct{})
		evaluated := make(map[time.Time]struct{})
		processed := make(map[uuid.UUID]struct{}, len(events))

		for i := range events {
			ev := &events[i]
			processed[ev.ID] = struct{}{}
			for _, date := range eventDates[ev.ID] {
				day, ok := days[date]
				if !ok {
					continue
				}
				evaluated[date] = struct{}{}
				for _, w := range prayer.Windows(day, buffers) {
					if !interval.Overlaps(ev.Range(), w.Range) {
						continue
					}
					overlap := interval.OverlapMinutes(ev.Range(), w.Range)
					row, err := tx.UpsertConflict(ctx, &models.Conflict{
						OwnerID:        owner,
						EventID:        ev.ID,
						Date:           date,
						Prayer:         w.Prayer,
						Kind:           models.KindPrayer,
						PrayerStart:    w.Range.Start,
						PrayerEnd:      w.Range.End,
						OverlapMinutes: overlap,
						Severity:       models.SeverityFor(overlap, bufferMinutes),
						Status:         models.StatusOpen,
						Suggestion:     suggester.Suggest(ev, w),
					}, now)
					if err != nil {
						return fmt.Errorf("upsert conflict for event %s: %w", ev.ID, err)
					}
					found[conflictKeyOf(ev.ID, date, w.Prayer)] = struct{}{}
					result.Conflicts = append(result.Conflicts, *row)
					metrics.ConflictsDetected.WithLabelValues(string(row.Severity)).Inc()
				}
			}
		}
		return d.clearStale(ctx, tx, owner, now, found, evaluated, processed)
	})
	if err != nil {
		return DetectResult{}, err
	}

	slog.Info("Conflict detection finished",
		"owner", owner,
		"events", len(events),
		"conflicts", len(result.Conflicts),
		"missing_dates", len(missing))
	return result, nil
}

// clearStale resolves open conflicts of processed events whose overlap has
// gone away. Dates without prayer data were not evaluated and are left alone.
func (d *Detector) clearStale(ctx context.Context, tx Store, owner uuid.UUID, now time.Time,
	found map[string]struct{}, evaluated map[time.Time]struct{}, processed map[uuid.UUID]struct{}) error {
	if len(evaluated) == 0 {
		return nil
	}
	var first, last time.Time
	for date := range evaluated {
		if first.IsZero() || date.Before(first) {
			first = date
		}
		if last.IsZero() || date.After(last) {
			last = date
		}
	}
	open, err := tx.ListConflicts(ctx, owner, ConflictFilter{
		Statuses: []models.ConflictStatus{models.StatusOpen},
		DateFrom: first,
		DateTo:   last,
	})
	if err != nil {
		return fmt.Errorf("list open conflicts: %w", err)
	}
	for i := range open {
		c := &open[i]
		if _, ok := processed[c.EventID]; !ok {
			continue
		}
		if _, ok := evaluated[c.Date]; !ok {
			continue
		}
		if _, ok := found[conflictKeyOf(c.EventID, c.Date, c.Prayer)]; ok {
			continue
		}
		c.Status = models.StatusResolved
		c.DecidedAction = ActionCleared
		c.DecidedAt = &now
		c.UpdatedAt = now
		if err := tx.UpdateConflict(ctx, c); err != nil {
			return fmt.Errorf("clear conflict %s: %w", c.ID, err)
		}
		metrics.ConflictsCleared.Inc()
	}
	return nil
}

// loadDays returns the stored prayer days for the needed dates, resolving
// absent ones through the Resolver in bounded chunks. Dates that stay absent
// are returned as missing.
func (d *Detector) loadDays(ctx context.Context, owner uuid.UUID, loc *time.Location, needed map[time.Time]struct{}) (map[time.Time]prayer.Day, []time.Time, error) {
	dates := make([]time.Time, 0, len(needed))
	for date := range needed {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	stored, err := d.Store.ListPrayerDays(ctx, owner, dates[0], dates[len(dates)-1])
	if err != nil {
		return nil, nil, fmt.Errorf("list prayer days: %w", err)
	}
	days := make(map[time.Time]prayer.Day, len(dates))
	for _, day := range stored {
		days[day.Date] = day
	}

	var absent []time.Time
	for _, date := range dates {
		if _, ok := days[date]; !ok {
			absent = append(absent, date)
		}
	}
	if len(absent) > 0 && d.Resolver != nil {
		chunkDays := d.ChunkDays
		if chunkDays <= 0 {
			chunkDays = prayer.DefaultChunkDays
		}
		for _, span := range prayer.Chunk(absent, chunkDays) {
			resolved, err := d.Resolver.Resolve(ctx, owner, loc, span[0], span[1])
			if err != nil {
				if !errors.Is(err, prayer.ErrNoSource) {
					slog.Warn("Prayer time resolution failed",
						"owner", owner,
						"from", interval.DateKey(span[0]),
						"to", interval.DateKey(span[1]),
						"error", err)
				}
				continue
			}
			var fresh []prayer.Day
			for _, day := range resolved {
				if _, want := needed[day.Date]; !want {
					continue
				}
				if _, have := days[day.Date]; have {
					continue
				}
				day.OwnerID = owner
				days[day.Date] = day
				fresh = append(fresh, day)
			}
			if len(fresh) > 0 {
				if err := d.Store.SavePrayerDays(ctx, fresh); err != nil {
					return nil, nil, fmt.Errorf("save prayer days: %w", err)
				}
			}
		}
	}

	var missing []time.Time
	for _, date := range dates {
		if _, ok := days[date]; !ok {
			missing = append(missing, date)
		}
	}
	return days, missing, nil
}

func conflictKeyOf(event uuid.UUID, date time.Time, p prayer.Name) string {
	return event.String() + "|" + interval.DateKey(date) + "|" + string(p)
}
