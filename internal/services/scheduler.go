package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
)

const (
	DefaultBatchWindow = 90 * time.Second
	DefaultNoiseGate   = 90 * time.Second
	batchScanLimit     = 500
)

// Suppression reasons stored on Notification.Reason.
const (
	ReasonChannelDisabled = "channel_disabled"
	ReasonQuietHours      = "quiet_hours"
	ReasonNoiseGate       = "noise_gate"
)

// DefaultQuietHours is 22:00-08:00.
var DefaultQuietHours = interval.ClockWindow{
	Start: interval.Clock{Hour: 22},
	End:   interval.Clock{Hour: 8},
}

// AlwaysAllowed channels pass through quiet hours.
var AlwaysAllowed = []models.Channel{models.ChannelPrayer, models.ChannelCalendar}

// NotifyOptions describes a notification to schedule.
type NotifyOptions struct {
	OwnerID  uuid.UUID
	Channel  models.Channel
	Priority models.Priority
	Title    string
	Body     string
	Payload  map[string]any
	// ScheduledAt is the target delivery instant; zero means now.
	ScheduledAt     time.Time
	MuteWhilePrayer bool
	DedupeKey       string
}

// NotifyOutcome reports what the scheduler did with a notification.
type NotifyOutcome struct {
	ID        uuid.UUID                 `json:"id,omitempty"`
	Status    models.NotificationStatus `json:"status,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Duplicate bool                      `json:"duplicate,omitempty"`
}

// FlushStats summarises one FlushBatches pass.
type FlushStats struct {
	Released int `json:"released"`
	Merged   int `json:"merged"`
	Deferred int `json:"deferred"`
}

// Scheduler decides whether a notification is released now, batched per
// channel, or suppressed. All state is persisted, so a restart loses
// nothing that was accepted.
type Scheduler struct {
	Store       Store
	BatchWindow time.Duration
	NoiseGate   time.Duration
	// QuietHours applies to owners without their own quiet hours.
	QuietHours interval.ClockWindow
	Now        Clock
}

// Notify stores a notification. High priority notifications are released
// at once unless the noise gate is closed; everything else, and anything
// arriving in quiet hours, waits in its channel batch for FlushBatches.
func (s *Scheduler) Notify(ctx context.Context, opts NotifyOptions) (NotifyOutcome, error) {
	return s.notify(ctx, s.Store, opts)
}

func (s *Scheduler) notify(ctx context.Context, st Store, opts NotifyOptions) (NotifyOutcome, error) {
	if opts.OwnerID == uuid.Nil {
		return NotifyOutcome{}, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	if opts.Channel == "" {
		return NotifyOutcome{}, fmt.Errorf("%w: channel is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return NotifyOutcome{}, fmt.Errorf("%w: title is required", models.ErrInvalidInput)
	}

	profile, err := st.GetProfile(ctx, opts.OwnerID)
	if err != nil {
		return NotifyOutcome{}, fmt.Errorf("load profile: %w", err)
	}
	now := s.Now.now()

	n := &models.Notification{
		ID:              uuid.New(),
		OwnerID:         opts.OwnerID,
		Channel:         opts.Channel,
		Priority:        opts.Priority,
		Title:           opts.Title,
		Body:            opts.Body,
		Payload:         opts.Payload,
		ScheduledAt:     opts.ScheduledAt.UTC(),
		MuteWhilePrayer: opts.MuteWhilePrayer,
		DedupeKey:       opts.DedupeKey,
		CreatedAt:       now,
	}
	if n.Priority == "" {
		n.Priority = models.PriorityOf(n.Channel)
	}
	if opts.ScheduledAt.IsZero() {
		n.ScheduledAt = now
	}

	switch {
	case !profile.ChannelEnabled(n.Channel):
		n.Status, n.Reason = models.NotifySuppressed, ReasonChannelDisabled
	case s.quiet(profile).Contains(n.ScheduledAt, profile.Location()) && !alwaysAllowed(n.Channel):
		// Held in the channel batch; FlushBatches defers it until quiet
		// hours end.
		n.Status, n.Reason = models.NotifyBatched, ReasonQuietHours
	case n.Priority == models.PriorityHigh:
		gated := false
		if !n.ScheduledAt.After(now) {
			gated, err = s.gateClosed(ctx, st, n.OwnerID, now)
			if err != nil {
				return NotifyOutcome{}, err
			}
		}
		if gated {
			n.Status, n.Reason = models.NotifySuppressed, ReasonNoiseGate
		} else {
			n.Status = models.NotifyScheduled
			n.ReleasedAt = &now
		}
	default:
		n.Status = models.NotifyBatched
	}

	inserted, err := st.InsertNotification(ctx, n)
	if err != nil {
		return NotifyOutcome{}, fmt.Errorf("insert notification: %w", err)
	}
	if !inserted {
		return NotifyOutcome{Duplicate: true}, nil
	}
	metrics.NotificationsQueued.WithLabelValues(string(n.Channel), string(n.Status)).Inc()
	return NotifyOutcome{ID: n.ID, Status: n.Status, Reason: n.Reason}, nil
}

// FlushBatches releases every owner/channel batch whose oldest item has
// waited a full batch window. One queued item is released as is; more are
// folded into an "N updates" summary. Batches blocked by the noise gate or
// quiet hours stay queued for a later pass.
func (s *Scheduler) FlushBatches(ctx context.Context) (FlushStats, error) {
	var stats FlushStats
	rows, err := s.Store.ListBatched(ctx, batchScanLimit)
	if err != nil {
		return stats, fmt.Errorf("list batched: %w", err)
	}
	now := s.Now.now()

	type groupKey struct {
		owner   uuid.UUID
		channel models.Channel
	}
	var order []groupKey
	groups := make(map[groupKey][]models.Notification)
	for _, n := range rows {
		k := groupKey{n.OwnerID, n.Channel}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], n)
	}

	profiles := make(map[uuid.UUID]*models.Profile)
	for _, k := range order {
		items := groups[k]
		if now.Sub(items[0].CreatedAt) < s.batchWindow() {
			continue
		}
		profile, ok := profiles[k.owner]
		if !ok {
			profile, err = s.Store.GetProfile(ctx, k.owner)
			if err != nil {
				slog.Warn("Skipping batch without profile", "owner", k.owner, "error", err)
				continue
			}
			profiles[k.owner] = profile
		}
		if s.quiet(profile).Contains(now, profile.Location()) && !alwaysAllowed(k.channel) {
			stats.Deferred += len(items)
			continue
		}
		gated, err := s.gateClosed(ctx, s.Store, k.owner, now)
		if err != nil {
			return stats, err
		}
		if gated {
			stats.Deferred += len(items)
			continue
		}

		err = s.Store.InTx(ctx, func(tx Store) error {
			return s.release(ctx, tx, items, now)
		})
		if err != nil {
			slog.Warn("Batch release failed", "owner", k.owner, "channel", k.channel, "error", err)
			continue
		}
		stats.Released++
		if len(items) > 1 {
			stats.Merged += len(items)
		}
	}
	if stats.Released > 0 || stats.Deferred > 0 {
		slog.Info("Notification batches flushed", "released", stats.Released, "merged", stats.Merged, "deferred", stats.Deferred)
	}
	return stats, nil
}

func (s *Scheduler) release(ctx context.Context, tx Store, items []models.Notification, now time.Time) error {
	if len(items) == 1 {
		n := items[0]
		n.Status = models.NotifyScheduled
		n.ReleasedAt = &now
		if n.ScheduledAt.Before(now) {
			n.ScheduledAt = now
		}
		return tx.UpdateNotification(ctx, &n)
	}

	first := items[0]
	titles := make([]string, 0, len(items))
	ids := make([]string, 0, len(items))
	mute := false
	for _, n := range items {
		titles = append(titles, n.Title)
		ids = append(ids, n.ID.String())
		mute = mute || n.MuteWhilePrayer
	}
	summary := &models.Notification{
		ID:              uuid.New(),
		OwnerID:         first.OwnerID,
		Channel:         first.Channel,
		Priority:        first.Priority,
		Title:           fmt.Sprintf("%d updates", len(items)),
		Body:            strings.Join(titles, "\n"),
		Payload:         map[string]any{"type": "summary", "items": ids},
		Status:          models.NotifyScheduled,
		ScheduledAt:     now,
		ReleasedAt:      &now,
		MuteWhilePrayer: mute,
		CreatedAt:       now,
	}
	if _, err := tx.InsertNotification(ctx, summary); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	for _, n := range items {
		n.Status = models.NotifyMerged
		n.ParentID = &summary.ID
		if err := tx.UpdateNotification(ctx, &n); err != nil {
			return fmt.Errorf("merge notification %s: %w", n.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) gateClosed(ctx context.Context, st Store, owner uuid.UUID, now time.Time) (bool, error) {
	gate := s.NoiseGate
	if gate <= 0 {
		gate = DefaultNoiseGate
	}
	last, ok, err := st.LastReleasedAt(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("last release: %w", err)
	}
	return ok && now.Sub(last) < gate, nil
}

func (s *Scheduler) quiet(p *models.Profile) interval.ClockWindow {
	if p.QuietStart != "" && p.QuietEnd != "" {
		w, err := interval.ParseClockWindow(p.QuietStart, p.QuietEnd)
		if err == nil {
			return w
		}
		slog.Warn("Invalid quiet hours in profile", "owner", p.OwnerID, "error", err)
	}
	if s.QuietHours.Empty() {
		return DefaultQuietHours
	}
	return s.QuietHours
}

func (s *Scheduler) batchWindow() time.Duration {
	if s.BatchWindow > 0 {
		return s.BatchWindow
	}
	return DefaultBatchWindow
}

func alwaysAllowed(c models.Channel) bool {
	for _, a := range AlwaysAllowed {
		if a == c {
			return true
		}
	}
	return false
}
