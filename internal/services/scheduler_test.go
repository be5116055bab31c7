package services_test

import (
	"strings"
	"testing"
	"time"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/services"
)

func (f *fixture) notify(t *testing.T, channel models.Channel, title string) services.NotifyOutcome {
	t.Helper()
	out, err := f.scheduler().Notify(f.ctx, services.NotifyOptions{
		OwnerID: f.owner,
		Channel: channel,
		Title:   title,
	})
	if err != nil {
		t.Fatalf("Notify(%s): %v", title, err)
	}
	return out
}

func TestNotifyHighPriorityAndNoiseGate(t *testing.T) {
	f := newFixture(t)

	first := f.notify(t, models.ChannelCalendar, "meeting in 10 min")
	if first.Status != models.NotifyScheduled {
		t.Fatalf("high priority status = %s, want scheduled", first.Status)
	}

	f.clock.Advance(30 * time.Second)
	second := f.notify(t, models.ChannelPrayer, "dhuhr soon")
	if second.Status != models.NotifySuppressed || second.Reason != services.ReasonNoiseGate {
		t.Fatalf("second within 90s = %+v, want noise gate suppression", second)
	}

	f.clock.Advance(90 * time.Second)
	third := f.notify(t, models.ChannelPrayer, "asr soon")
	if third.Status != models.NotifyScheduled {
		t.Fatalf("after gate = %s, want scheduled", third.Status)
	}
}

func TestNotifyBatchesAndFlushesSingleItem(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler()

	out := f.notify(t, models.ChannelTasks, "buy dates")
	if out.Status != models.NotifyBatched {
		t.Fatalf("status = %s, want batched", out.Status)
	}

	f.clock.Advance(60 * time.Second)
	stats, err := s.FlushBatches(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 0 {
		t.Fatalf("released before the batch window: %+v", stats)
	}

	f.clock.Advance(31 * time.Second)
	stats, err = s.FlushBatches(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 1 || stats.Merged != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	notes := f.store.Notifications(f.owner)
	if len(notes) != 1 || notes[0].Status != models.NotifyScheduled || notes[0].Title != "buy dates" {
		t.Fatalf("notifications = %+v", notes)
	}
}

func TestFlushMergesIntoSummary(t *testing.T) {
	f := newFixture(t)
	titles := []string{"water plants", "call mum", "pay rent"}
	for _, title := range titles {
		f.notify(t, models.ChannelTasks, title)
		f.clock.Advance(5 * time.Second)
	}
	f.clock.Advance(2 * time.Minute)

	stats, err := f.scheduler().FlushBatches(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 1 || stats.Merged != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	var summary *models.Notification
	merged := 0
	notes := f.store.Notifications(f.owner)
	for i := range notes {
		switch notes[i].Status {
		case models.NotifyScheduled:
			summary = &notes[i]
		case models.NotifyMerged:
			merged++
		}
	}
	if summary == nil || summary.Title != "3 updates" {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Body != strings.Join(titles, "\n") {
		t.Errorf("summary body = %q", summary.Body)
	}
	if merged != 3 {
		t.Errorf("merged = %d, want 3", merged)
	}
	for _, n := range notes {
		if n.Status == models.NotifyMerged && (n.ParentID == nil || *n.ParentID != summary.ID) {
			t.Errorf("merged item %s not linked to summary", n.ID)
		}
	}
}

func TestFlushDefersBehindNoiseGate(t *testing.T) {
	f := newFixture(t)
	f.notify(t, models.ChannelHealth, "stand up")
	f.clock.Advance(95 * time.Second)
	f.notify(t, models.ChannelCalendar, "meeting now")

	stats, err := f.scheduler().FlushBatches(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 0 || stats.Deferred != 1 {
		t.Fatalf("stats = %+v, want the batch deferred", stats)
	}
}

func TestNotifyQuietHours(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(at(23, 0))

	quiet := f.notify(t, models.ChannelTasks, "weekly review")
	if quiet.Status != models.NotifyBatched || quiet.Reason != services.ReasonQuietHours {
		t.Fatalf("tasks at 23:00 = %+v, want held for quiet hours", quiet)
	}
	allowed := f.notify(t, models.ChannelPrayer, "isha")
	if allowed.Status != models.NotifyScheduled {
		t.Fatalf("prayer at 23:00 = %+v, want scheduled", allowed)
	}
}

func TestQuietHoursHoldThenRelease(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(at(23, 0))
	s := f.scheduler()
	opts := services.NotifyOptions{
		OwnerID:   f.owner,
		Channel:   models.ChannelConflicts,
		Priority:  models.PriorityHigh,
		Title:     "Suggestion for \"standup\"",
		DedupeKey: "suggest:standup",
	}

	held, err := s.Notify(f.ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != models.NotifyBatched || held.Reason != services.ReasonQuietHours {
		t.Fatalf("outcome at 23:00 = %+v, want held", held)
	}

	f.clock.Advance(10 * time.Minute)
	stats, err := s.FlushBatches(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 0 || stats.Deferred != 1 {
		t.Fatalf("flush in quiet hours = %+v, want deferred", stats)
	}
	again, err := s.Notify(f.ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate {
		t.Fatalf("repeat = %+v, want duplicate of the held item", again)
	}

	f.clock.Set(at(8, 0).AddDate(0, 0, 1))
	stats, err = s.FlushBatches(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 1 {
		t.Fatalf("flush after quiet hours = %+v", stats)
	}
	notes := f.store.Notifications(f.owner)
	if len(notes) != 1 || notes[0].ID != held.ID || notes[0].Status != models.NotifyScheduled {
		t.Fatalf("notifications = %+v", notes)
	}
}

func TestNotifyDisabledChannel(t *testing.T) {
	f := newFixture(t)
	f.profile(func(p *models.Profile) { p.DisabledChannels = []models.Channel{models.ChannelHealth} })

	out := f.notify(t, models.ChannelHealth, "steps")
	if out.Status != models.NotifySuppressed || out.Reason != services.ReasonChannelDisabled {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestNotifyDedupeKey(t *testing.T) {
	f := newFixture(t)
	opts := services.NotifyOptions{OwnerID: f.owner, Channel: models.ChannelConflicts, Title: "x", DedupeKey: "suggest:1"}
	if _, err := f.scheduler().Notify(f.ctx, opts); err != nil {
		t.Fatal(err)
	}
	out, err := f.scheduler().Notify(f.ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Fatalf("outcome = %+v, want duplicate", out)
	}
}

func TestNotifyValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.scheduler().Notify(f.ctx, services.NotifyOptions{OwnerID: f.owner, Channel: models.ChannelTasks}); err == nil {
		t.Fatal("expected error for empty title")
	}
}
