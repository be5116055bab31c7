package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

// openTestStore connects to PRAYERVIGIL_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	url := os.Getenv("PRAYERVIGIL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PRAYERVIGIL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := ConnectPostgres(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return NewStore(pool), ctx
}

func TestUpsertConflictKeepsDecisionState(t *testing.T) {
	s, ctx := openTestStore(t)
	owner := uuid.New()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := s.SaveProfile(ctx, &models.Profile{OwnerID: owner, Timezone: "UTC"}); err != nil {
		t.Fatal(err)
	}

	c := &models.Conflict{
		OwnerID:        owner,
		EventID:        uuid.New(),
		Date:           time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Prayer:         prayer.Dhuhr,
		Kind:           models.KindPrayer,
		PrayerStart:    now.Add(4 * time.Hour),
		PrayerEnd:      now.Add(4*time.Hour + 30*time.Minute),
		OverlapMinutes: 20,
		Severity:       models.SeverityHard,
	}
	first, err := s.UpsertConflict(ctx, c, now)
	if err != nil {
		t.Fatal(err)
	}

	until := now.Add(30 * time.Minute)
	first.Status = models.StatusSnoozed
	first.SnoozeUntil = &until
	first.DecidedAction = services.ActionSnooze
	first.UpdatedAt = now
	if err := s.UpdateConflict(ctx, first); err != nil {
		t.Fatal(err)
	}

	again, err := s.UpsertConflict(ctx, c, now.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || again.Status != models.StatusSnoozed {
		t.Fatalf("before expiry: %s %s", again.ID, again.Status)
	}

	expired, err := s.UpsertConflict(ctx, c, now.Add(31*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if expired.Status != models.StatusOpen || expired.SnoozeUntil != nil {
		t.Fatalf("after expiry: %s %v", expired.Status, expired.SnoozeUntil)
	}

	if _, err := s.GetConflict(ctx, uuid.New(), first.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cross-owner read err = %v", err)
	}
}

func TestMarkPushedIsVersionGuarded(t *testing.T) {
	s, ctx := openTestStore(t)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := &models.Event{
		OwnerID:            uuid.New(),
		Title:              "review",
		StartTime:          now,
		EndTime:            now.Add(time.Hour),
		Transparency:       models.TransparencyOpaque,
		Status:             models.EventConfirmed,
		Importance:         models.ImportanceNormal,
		ExternalEventID:    "g-1",
		ExternalCalendarID: "primary",
		UpdatedAt:          now,
	}
	if err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	ev.MarkDirty(now, models.FieldStart)
	if err := s.UpdateEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Version != 2 {
		t.Fatalf("version = %d, want 2", ev.Version)
	}

	ok, err := s.MarkPushed(ctx, ev.ID, 1, now)
	if err != nil || ok {
		t.Fatalf("stale MarkPushed = %v, %v", ok, err)
	}
	ok, err = s.MarkPushed(ctx, ev.ID, 2, now)
	if err != nil || !ok {
		t.Fatalf("MarkPushed = %v, %v", ok, err)
	}
	got, err := s.GetEvent(ctx, ev.OwnerID, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PendingPush || len(got.DirtyFields) != 0 {
		t.Errorf("event after push: pending=%v dirty=%v", got.PendingPush, got.DirtyFields)
	}
}

func TestInsertNotificationDedupe(t *testing.T) {
	s, ctx := openTestStore(t)
	owner := uuid.New()
	now := time.Now().UTC()
	mk := func() *models.Notification {
		return &models.Notification{
			OwnerID: owner, Channel: models.ChannelConflicts, Priority: models.PriorityDefault,
			Title: "x", Status: models.NotifyBatched, ScheduledAt: now, CreatedAt: now,
			DedupeKey: "suggest:1",
		}
	}
	if ok, err := s.InsertNotification(ctx, mk()); err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	if ok, err := s.InsertNotification(ctx, mk()); err != nil || ok {
		t.Fatalf("duplicate insert = %v, %v", ok, err)
	}
}

func TestPendingPushHonoursWritebackAndVersion(t *testing.T) {
	s, ctx := openTestStore(t)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	off, on := uuid.New(), uuid.New()
	for owner, writeback := range map[uuid.UUID]bool{off: false, on: true} {
		if err := s.SaveProfile(ctx, &models.Profile{OwnerID: owner, Timezone: "UTC", CalendarWriteback: writeback}); err != nil {
			t.Fatal(err)
		}
	}
	insert := func(owner uuid.UUID, due time.Time) *models.Event {
		ev := &models.Event{
			OwnerID:            owner,
			Title:              "review",
			StartTime:          now,
			EndTime:            now.Add(time.Hour),
			Transparency:       models.TransparencyOpaque,
			Status:             models.EventConfirmed,
			Importance:         models.ImportanceNormal,
			ExternalEventID:    "g-" + owner.String(),
			ExternalCalendarID: "primary",
			UpdatedAt:          now,
		}
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		ev.MarkDirty(due, models.FieldTitle)
		if err := s.UpdateEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}
	insert(off, now.Add(-time.Hour))
	ev := insert(on, now)

	due, err := s.ListPendingPush(ctx, now, services.MaxRetryLimit)
	if err != nil {
		t.Fatal(err)
	}
	var stale *models.Event
	for i := range due {
		if due[i].OwnerID == off {
			t.Fatalf("event of an owner with write-back off listed: %s", due[i].ID)
		}
		if due[i].ID == ev.ID {
			stale = &due[i]
		}
	}
	if stale == nil {
		t.Fatal("enabled owner's event not listed")
	}

	ev.Title = "renamed"
	if err := s.UpdateEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	stale.PendingPush = false
	stale.LastPushStatus = models.PushFailedPermanent
	stale.LastError = "google calendar: status 400"
	if err := s.SavePushState(ctx, stale); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetEvent(ctx, on, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.PendingPush || got.LastPushStatus != models.PushFailedPermanent {
		t.Errorf("after stale failure: pending=%v status=%s", got.PendingPush, got.LastPushStatus)
	}
}
