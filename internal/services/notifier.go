package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
)

const (
	DefaultDispatchLimit = 100
	DefaultPrayerPre     = 5 * time.Minute
	DefaultPrayerPost    = 20 * time.Minute
	defaultMaxAttempts   = 3
)

// Sender delivers a released notification to the owner.
type Sender interface {
	Send(ctx context.Context, p *models.Profile, n *models.Notification) error
}

// LogSender writes notifications to the log. It is used when no transport
// is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, p *models.Profile, n *models.Notification) error {
	slog.Info("Notification", "owner", p.OwnerID, "channel", n.Channel, "title", n.Title, "body", n.Body)
	return nil
}

// DispatchStats summarises one ProcessDue pass.
type DispatchStats struct {
	Processed   int `json:"processed"`
	Sent        int `json:"sent"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// Dispatcher delivers due notifications. A notification that would land in
// the owner's do-not-disturb window is moved to the window's exit; one
// marked mute_while_prayer that would land near a prayer is moved to the end
// of that prayer window. Either move only persists the new time; the row is
// checked again on the pass that picks it up next, so DND followed by a
// prayer converges in two passes.
type Dispatcher struct {
	Store       Store
	Sender      Sender
	PrayerPre   time.Duration
	PrayerPost  time.Duration
	MaxAttempts int
	Now         Clock
}

// ProcessDue handles up to limit scheduled notifications whose time has come.
func (d *Dispatcher) ProcessDue(ctx context.Context, limit int) (DispatchStats, error) {
	var stats DispatchStats
	if limit <= 0 {
		limit = DefaultDispatchLimit
	}
	now := d.Now.now()
	due, err := d.Store.ListDueNotifications(ctx, now, limit)
	if err != nil {
		return stats, fmt.Errorf("list due notifications: %w", err)
	}

	profiles := make(map[uuid.UUID]*models.Profile)
	for i := range due {
		n := &due[i]
		stats.Processed++

		p, ok := profiles[n.OwnerID]
		if !ok {
			p, err = d.Store.GetProfile(ctx, n.OwnerID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return stats, fmt.Errorf("load profile: %w", err)
			}
			profiles[n.OwnerID] = p
		}
		if p == nil {
			n.Status, n.Reason = models.NotifyFailed, "owner not found"
			d.save(ctx, n)
			stats.Failed++
			continue
		}

		if at, reason, moved := d.reschedule(ctx, p, n, now); moved {
			n.ScheduledAt = at
			n.Reason = reason
			d.save(ctx, n)
			stats.Rescheduled++
			metrics.NotificationsDispatched.WithLabelValues("rescheduled").Inc()
			continue
		}

		if err := d.Sender.Send(ctx, p, n); err != nil {
			n.Attempts++
			n.Reason = err.Error()
			if n.Attempts >= d.maxAttempts() {
				n.Status = models.NotifyFailed
				stats.Failed++
				metrics.NotificationsDispatched.WithLabelValues("failed").Inc()
			} else {
				n.ScheduledAt = now.Add(time.Duration(n.Attempts) * time.Minute)
				metrics.NotificationsDispatched.WithLabelValues("retry").Inc()
			}
			slog.Warn("Notification delivery failed", "owner", n.OwnerID, "notification", n.ID, "attempt", n.Attempts, "error", err)
			d.save(ctx, n)
			continue
		}
		n.Status = models.NotifySent
		n.DeliveredAt = &now
		n.Reason = ""
		d.save(ctx, n)
		stats.Sent++
		metrics.NotificationsDispatched.WithLabelValues("sent").Inc()
	}
	if stats.Processed > 0 {
		slog.Info("Notification dispatch finished",
			"processed", stats.Processed,
			"sent", stats.Sent,
			"rescheduled", stats.Rescheduled,
			"failed", stats.Failed)
	}
	return stats, nil
}

// reschedule returns the instant the notification must wait for, if any.
// The delivery instant checked is now, since due rows are never in the future.
func (d *Dispatcher) reschedule(ctx context.Context, p *models.Profile, n *models.Notification, now time.Time) (time.Time, string, bool) {
	loc := p.Location()
	if p.DNDEnabled {
		w, err := interval.ParseClockWindow(p.DNDStart, p.DNDEnd)
		if err != nil {
			slog.Warn("Invalid DND window in profile", "owner", p.OwnerID, "error", err)
		} else if w.Contains(now, loc) {
			return w.NextExit(now, loc).UTC(), "dnd", true
		}
	}
	if p.RespectPrayer && n.MuteWhilePrayer {
		date := interval.DateOf(now, loc)
		days, err := d.Store.ListPrayerDays(ctx, p.OwnerID, date.AddDate(0, 0, -1), date.AddDate(0, 0, 1))
		if err != nil {
			slog.Warn("Prayer days unavailable for dispatch", "owner", p.OwnerID, "error", err)
			return time.Time{}, "", false
		}
		for _, day := range days {
			if w, ok := prayer.Containing(day, now, d.prayerPre(), d.prayerPost()); ok {
				return w.Range.End.UTC(), "prayer:" + string(w.Prayer), true
			}
		}
	}
	return time.Time{}, "", false
}

func (d *Dispatcher) save(ctx context.Context, n *models.Notification) {
	if err := d.Store.UpdateNotification(ctx, n); err != nil {
		slog.Error("Failed to update notification", "notification", n.ID, "error", err)
	}
}

func (d *Dispatcher) prayerPre() time.Duration {
	if d.PrayerPre > 0 {
		return d.PrayerPre
	}
	return DefaultPrayerPre
}

func (d *Dispatcher) prayerPost() time.Duration {
	if d.PrayerPost > 0 {
		return d.PrayerPost
	}
	return DefaultPrayerPost
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return defaultMaxAttempts
}
