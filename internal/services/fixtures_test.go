package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/memstore"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

var day0 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

// fakeClock is a settable services.Clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Set(t time.Time)         { c.t = t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	ctx   context.Context
	store *memstore.Store
	clock *fakeClock
	owner uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: memstore.New(),
		clock: &fakeClock{t: at(9, 0)},
		owner: uuid.New(),
	}
	f.store.PutProfile(models.Profile{
		OwnerID:           f.owner,
		Timezone:          "UTC",
		CalendarWriteback: true,
		AutopilotEnabled:  true,
		RespectPrayer:     true,
		APIToken:          "token-" + f.owner.String(),
	})
	return f
}

func (f *fixture) profile(mut func(p *models.Profile)) {
	p, err := f.store.GetProfile(f.ctx, f.owner)
	if err != nil {
		panic(err)
	}
	mut(p)
	f.store.PutProfile(*p)
}

// prayerDay stores a day whose dhuhr is at 13:00 and whose other prayers are
// far from working hours.
func (f *fixture) prayerDay(date time.Time) {
	on := func(h, m int) time.Time {
		return date.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	}
	err := f.store.SavePrayerDays(f.ctx, []prayer.Day{{
		OwnerID: f.owner,
		Date:    date,
		Times: map[prayer.Name]time.Time{
			prayer.Fajr:    on(5, 0),
			prayer.Dhuhr:   on(13, 0),
			prayer.Asr:     on(16, 30),
			prayer.Maghrib: on(18, 45),
			prayer.Isha:    on(20, 15),
		},
	}})
	if err != nil {
		panic(err)
	}
}

func (f *fixture) event(title string, start, end time.Time, mut ...func(*models.Event)) models.Event {
	ev := models.Event{
		ID:                 uuid.New(),
		OwnerID:            f.owner,
		Title:              title,
		StartTime:          start,
		EndTime:            end,
		Transparency:       models.TransparencyOpaque,
		Status:             models.EventConfirmed,
		ExternalEventID:    "g-" + title,
		ExternalCalendarID: "primary",
		Version:            1,
	}
	for _, m := range mut {
		m(&ev)
	}
	f.store.PutEvent(ev)
	return ev
}

func (f *fixture) detector() *services.Detector {
	return &services.Detector{Store: f.store, Now: f.clock.Now}
}

func (f *fixture) lifecycle() *services.Lifecycle {
	return &services.Lifecycle{Store: f.store, Now: f.clock.Now}
}

func (f *fixture) scheduler() *services.Scheduler {
	return &services.Scheduler{Store: f.store, Now: f.clock.Now}
}

func (f *fixture) getEvent(t *testing.T, id uuid.UUID) *models.Event {
	t.Helper()
	ev, err := f.store.GetEvent(f.ctx, f.owner, id)
	if err != nil {
		t.Fatalf("GetEvent(%s): %v", id, err)
	}
	return ev
}

func (f *fixture) getConflict(t *testing.T, id uuid.UUID) *models.Conflict {
	t.Helper()
	c, err := f.store.GetConflict(f.ctx, f.owner, id)
	if err != nil {
		t.Fatalf("GetConflict(%s): %v", id, err)
	}
	return c
}

// detectOne runs detection over day0 and expects exactly one conflict.
func (f *fixture) detectOne(t *testing.T) models.Conflict {
	t.Helper()
	res, err := f.detector().Detect(f.ctx, f.owner, day0, day0.AddDate(0, 0, 1), 20)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(res.Conflicts))
	}
	return res.Conflicts[0]
}
