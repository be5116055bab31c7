package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

func TestDetectOverlapAndSeverity(t *testing.T) {
	f := newFixture(t)
	f.prayerDay(day0)
	meeting := f.event("review", at(13, 0), at(14, 0))
	f.event("gym", at(15, 0), at(16, 0))

	c := f.detectOne(t)
	if c.EventID != meeting.ID || c.Prayer != prayer.Dhuhr {
		t.Fatalf("unexpected conflict %+v", c)
	}
	if c.OverlapMinutes != 20 {
		t.Errorf("overlap = %d, want 20", c.OverlapMinutes)
	}
	if c.Severity != models.SeverityHard {
		t.Errorf("severity = %s, want hard", c.Severity)
	}
	if !c.PrayerStart.Equal(at(12, 50)) || !c.PrayerEnd.Equal(at(13, 20)) {
		t.Errorf("window = [%v, %v)", c.PrayerStart, c.PrayerEnd)
	}
	if c.Status != models.StatusOpen {
		t.Errorf("status = %s, want open", c.Status)
	}
	if c.Suggestion == nil || c.Suggestion.Type != models.PatchDelayStart || !c.Suggestion.NewStart.Equal(at(13, 20)) {
		t.Errorf("suggestion = %+v, want delay_start to 13:20", c.Suggestion)
	}
}

func TestDetectSoftSeverityWithLargerBuffer(t *testing.T) {
	f := newFixture(t)
	f.prayerDay(day0)
	f.event("review", at(13, 0), at(14, 0))

	res, err := f.detector().Detect(f.ctx, f.owner, day0, day0.AddDate(0, 0, 1), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Severity != models.SeveritySoft {
		t.Fatalf("expected one soft conflict, got %+v", res.Conflicts)
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.prayerDay(day0)
	f.event("review", at(13, 0), at(14, 0))

	first := f.detectOne(t)
	second := f.detectOne(t)
	if first.ID != second.ID {
		t.Fatalf("second pass created a new conflict: %s vs %s", first.ID, second.ID)
	}
	all, err := f.store.ListConflicts(f.ctx, f.owner, services.ConflictFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("stored %d conflicts, want 1", len(all))
	}
}

func TestDetectReportsMissingPrayerDays(t *testing.T) {
	f := newFixture(t)
	f.event("review", at(13, 0), at(14, 0))

	res, err := f.detector().Detect(f.ctx, f.owner, day0, day0.AddDate(0, 0, 1), 20)
	if err != nil {
		t.Fatalf("missing prayer data must not be an error: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(res.Conflicts))
	}
	if len(res.MissingDates) != 1 || !res.MissingDates[0].Equal(day0) {
		t.Errorf("missing = %v, want [%v]", res.MissingDates, day0)
	}
}

type recordingResolver struct {
	calls [][2]time.Time
}

func (r *recordingResolver) Resolve(_ context.Context, owner uuid.UUID, _ *time.Location, from, to time.Time) ([]prayer.Day, error) {
	r.calls = append(r.calls, [2]time.Time{from, to})
	var out []prayer.Day
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, prayer.Day{OwnerID: owner, Date: d, Times: map[prayer.Name]time.Time{
			prayer.Dhuhr: d.Add(13 * time.Hour),
		}})
	}
	return out, nil
}

func TestDetectResolvesPrayerTimesInChunks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		d := day0.AddDate(0, 0, i)
		f.event("standup", d.Add(13*time.Hour), d.Add(13*time.Hour+15*time.Minute))
	}
	resolver := &recordingResolver{}
	det := f.detector()
	det.Resolver = resolver

	res, err := det.Detect(f.ctx, f.owner, day0, day0.AddDate(0, 0, 30), 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 30 {
		t.Fatalf("conflicts = %d, want 30", len(res.Conflicts))
	}
	if len(resolver.calls) != 3 {
		t.Fatalf("resolver calls = %d, want 3", len(resolver.calls))
	}
	for _, c := range resolver.calls {
		if days := int(c[1].Sub(c[0]).Hours()/24) + 1; days > prayer.DefaultChunkDays {
			t.Errorf("chunk %v spans %d days", c, days)
		}
	}

	if _, err := det.Detect(f.ctx, f.owner, day0, day0.AddDate(0, 0, 30), 20); err != nil {
		t.Fatal(err)
	}
	if len(resolver.calls) != 3 {
		t.Errorf("stored prayer days were resolved again: %d calls", len(resolver.calls))
	}
}

func TestDetectEventAcrossMidnight(t *testing.T) {
	f := newFixture(t)
	next := day0.AddDate(0, 0, 1)
	save := func(date time.Time, times map[prayer.Name]time.Time) {
		if err := f.store.SavePrayerDays(f.ctx, []prayer.Day{{OwnerID: f.owner, Date: date, Times: times}}); err != nil {
			t.Fatal(err)
		}
	}
	save(day0, map[prayer.Name]time.Time{prayer.Isha: at(23, 40)})
	save(next, map[prayer.Name]time.Time{prayer.Fajr: next.Add(40 * time.Minute)})
	f.event("flight", at(23, 30), next.Add(30*time.Minute))

	res, err := f.detector().Detect(f.ctx, f.owner, day0, next.AddDate(0, 0, 1), 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2 (isha and next fajr)", len(res.Conflicts))
	}
	got := map[prayer.Name]time.Time{}
	for _, c := range res.Conflicts {
		got[c.Prayer] = c.Date
	}
	if !got[prayer.Isha].Equal(day0) || !got[prayer.Fajr].Equal(next) {
		t.Errorf("conflict dates = %v", got)
	}
}

func TestDetectKeepsSnoozeUntilExpiry(t *testing.T) {
	f := newFixture(t)
	f.prayerDay(day0)
	f.event("review", at(13, 0), at(14, 0))
	c := f.detectOne(t)

	res, err := f.lifecycle().Resolve(f.ctx, f.owner, c.ID, services.ActionSnooze, services.ResolveParams{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SnoozeUntil.Equal(f.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("snooze_until = %v, want now+30m", res.SnoozeUntil)
	}

	f.clock.Advance(10 * time.Minute)
	if again := f.detectOne(t); again.Status != models.StatusSnoozed {
		t.Fatalf("status before expiry = %s, want snoozed", again.Status)
	}

	f.clock.Advance(21 * time.Minute)
	if again := f.detectOne(t); again.Status != models.StatusOpen {
		t.Fatalf("status after expiry = %s, want open", again.Status)
	}
}

func TestDetectClearsStaleConflicts(t *testing.T) {
	f := newFixture(t)
	f.prayerDay(day0)
	ev := f.event("review", at(13, 0), at(14, 0))
	c := f.detectOne(t)

	moved := f.getEvent(t, ev.ID)
	moved.StartTime, moved.EndTime = at(15, 0), at(16, 0)
	f.store.PutEvent(*moved)

	res, err := f.detector().Detect(f.ctx, f.owner, day0, day0.AddDate(0, 0, 1), 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("expected no conflicts after moving the event, got %d", len(res.Conflicts))
	}
	cleared := f.getConflict(t, c.ID)
	if cleared.Status != models.StatusResolved || cleared.DecidedAction != services.ActionCleared {
		t.Fatalf("stale conflict = %s/%s, want resolved/cleared", cleared.Status, cleared.DecidedAction)
	}

	moved.StartTime, moved.EndTime = at(13, 0), at(14, 0)
	f.store.PutEvent(*moved)
	if again := f.detectOne(t); again.ID != c.ID || again.Status != models.StatusOpen {
		t.Fatalf("overlap returned but conflict is %s (%s)", again.Status, again.ID)
	}
}

func TestDetectRejectsEmptyRange(t *testing.T) {
	f := newFixture(t)
	if _, err := f.detector().Detect(f.ctx, f.owner, day0, day0, 20); err == nil {
		t.Fatal("expected error for empty range")
	}
}

func TestDefaultSuggester(t *testing.T) {
	w := prayer.WindowFor(prayer.Dhuhr, at(13, 0), prayer.Buffer{Pre: 10, Post: 20})
	tests := []struct {
		name       string
		start, end time.Time
		want       models.PatchType
	}{
		{"starts inside", at(13, 0), at(14, 0), models.PatchDelayStart},
		{"ends inside", at(12, 0), at(13, 0), models.PatchTruncateEnd},
		{"window inside", at(12, 0), at(15, 0), models.PatchSplit},
		{"event inside", at(12, 55), at(13, 10), models.PatchShift},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &models.Event{StartTime: tt.start, EndTime: tt.end}
			p := services.DefaultSuggester{}.Suggest(ev, w)
			if p == nil || p.Type != tt.want {
				t.Fatalf("got %+v, want %s", p, tt.want)
			}
			if _, err := p.Apply(ev); err != nil {
				t.Fatalf("suggestion does not apply: %v", err)
			}
			if ev.StartTime.Before(w.Range.End) && ev.EndTime.After(w.Range.Start) {
				t.Errorf("patched event [%v, %v) still overlaps the window", ev.StartTime, ev.EndTime)
			}
		})
	}
}
