package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/natindo/PrayerVigil/internal/memstore"
	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

func TestNewRejectsBadSpec(t *testing.T) {
	noop := func(context.Context) error { return nil }
	_, err := New([]Job{
		{Name: "ok", Spec: "*/5 * * * *", Run: noop},
		{Name: "broken", Spec: "every tuesday", Run: noop},
	})
	if err == nil {
		t.Fatal("expected error for an unparsable spec")
	}

	r, err := New([]Job{{Name: "off", Spec: "", Run: noop}, {Name: "tick", Spec: "@every 1m", Run: noop}})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(r.cron.Entries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
	r.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
}

func TestRunJobCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(metrics.SweepErrors.WithLabelValues("test-failing"))
	runJob(context.Background(), Job{Name: "test-failing", Run: func(context.Context) error {
		return errors.New("boom")
	}})
	runJob(context.Background(), Job{Name: "test-failing", Run: func(context.Context) error { return nil }})
	if got := testutil.ToFloat64(metrics.SweepErrors.WithLabelValues("test-failing")) - before; got != 1 {
		t.Errorf("error count delta = %v, want 1", got)
	}
}

func TestDetectSweepCoversEveryOwner(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return day.Add(9 * time.Hour) }
	store := memstore.New()

	owners := []uuid.UUID{uuid.New(), uuid.New()}
	for _, owner := range owners {
		store.PutProfile(models.Profile{OwnerID: owner, Timezone: "UTC"})
		if err := store.SavePrayerDays(context.Background(), []prayer.Day{{
			OwnerID: owner, Date: day.AddDate(0, 0, 2),
			Times: map[prayer.Name]time.Time{prayer.Asr: day.AddDate(0, 0, 2).Add(16 * time.Hour)},
		}}); err != nil {
			t.Fatal(err)
		}
		store.PutEvent(models.Event{
			ID: uuid.New(), OwnerID: owner, Title: "standup",
			StartTime: day.AddDate(0, 0, 2).Add(16 * time.Hour), EndTime: day.AddDate(0, 0, 2).Add(17 * time.Hour),
			Transparency: models.TransparencyOpaque, Status: models.EventConfirmed, Version: 1,
		})
	}

	s := &Sweeps{
		Store:    store,
		Detector: &services.Detector{Store: store, Now: now},
		Now:      now,
	}
	if err := s.Detect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, owner := range owners {
		list, err := store.ListConflicts(context.Background(), owner, services.ConflictFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].Prayer != prayer.Asr {
			t.Errorf("owner %s conflicts = %+v", owner, list)
		}
	}
}

func TestJobsHonourSpecs(t *testing.T) {
	s := &Sweeps{}
	jobs := s.Jobs(Specs{Detect: "*/15 * * * *", Flush: "@every 30s"})
	if len(jobs) != 5 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	r, err := New(jobs)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(r.cron.Entries()); n != 2 {
		t.Errorf("scheduled = %d, want 2", n)
	}
}
