package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/models"
)

// DayAgenda is one local date of an owner: its events and the conflicts
// that are still waiting for a decision.
type DayAgenda struct {
	Date      time.Time
	Events    []models.Event
	Conflicts map[uuid.UUID][]models.Conflict
}

// GetAgenda возвращает события владельца за локальные сутки, в которые
// попадает now, вместе с нерешёнными конфликтами.
func GetAgenda(ctx context.Context, st Store, owner uuid.UUID, now time.Time) (*DayAgenda, error) {
	profile, err := st.GetProfile(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	loc := profile.Location()
	date := interval.DateOf(now, loc)
	day := interval.DayRange(date, loc)

	events, err := st.ListEventsInRange(ctx, owner, day.Start, day.End)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	pending, err := st.ListConflicts(ctx, owner, ConflictFilter{
		Statuses: []models.ConflictStatus{models.StatusOpen, models.StatusSuggested, models.StatusSnoozed},
		DateFrom: date,
		DateTo:   date,
	})
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}

	agenda := &DayAgenda{Date: date, Events: events, Conflicts: make(map[uuid.UUID][]models.Conflict)}
	for _, c := range pending {
		agenda.Conflicts[c.EventID] = append(agenda.Conflicts[c.EventID], c)
	}
	return agenda, nil
}
