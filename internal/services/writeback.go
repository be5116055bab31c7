package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
)

const (
	DefaultRetryLimit = 200
	MaxRetryLimit     = 500
	// MaxBackoffMinutes caps the retry delay at six hours.
	MaxBackoffMinutes = 360
	maxErrorLen       = 1500
	tokenErrorPrefix  = "TOKEN_ERROR: "
)

// TokenSource returns a usable provider access token for owner, refreshing
// it when needed.
type TokenSource interface {
	AccessToken(ctx context.Context, owner uuid.UUID) (string, error)
}

// CalendarClient sends a field-level patch for a linked event.
type CalendarClient interface {
	PatchEvent(ctx context.Context, token string, ev *models.Event, fields []string) error
}

// RetryStats summarises one ProcessDueRetries pass.
type RetryStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// WriteBack drains events with pending local changes to the external
// calendar.
type WriteBack struct {
	Store    Store
	Tokens   TokenSource
	Calendar CalendarClient
	Now      Clock
}

// Backoff returns the delay after the retryCount-th consecutive failure:
// 2, 4, 8, ... minutes, capped at MaxBackoffMinutes.
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	minutes := MaxBackoffMinutes
	if retryCount < 9 {
		if m := 1 << retryCount; m < minutes {
			minutes = m
		}
	}
	return time.Duration(minutes) * time.Minute
}

// ProcessDueRetries pushes up to limit due events, owner by owner, in
// next_retry_at order. Owners without write-back are skipped. A token
// failure fails every selected event of that owner for this pass.
func (w *WriteBack) ProcessDueRetries(ctx context.Context, limit int) (RetryStats, error) {
	var stats RetryStats
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	if limit > MaxRetryLimit {
		limit = MaxRetryLimit
	}
	now := w.Now.now()

	due, err := w.Store.ListPendingPush(ctx, now, limit)
	if err != nil {
		return stats, fmt.Errorf("list pending push: %w", err)
	}

	var owners []uuid.UUID
	byOwner := make(map[uuid.UUID][]models.Event)
	for _, ev := range due {
		if _, ok := byOwner[ev.OwnerID]; !ok {
			owners = append(owners, ev.OwnerID)
		}
		byOwner[ev.OwnerID] = append(byOwner[ev.OwnerID], ev)
	}

	for _, owner := range owners {
		events := byOwner[owner]
		profile, err := w.Store.GetProfile(ctx, owner)
		if err != nil {
			slog.Warn("Write-back skipped owner without profile", "owner", owner, "error", err)
			continue
		}
		if !profile.CalendarWriteback {
			continue
		}

		token, err := w.Tokens.AccessToken(ctx, owner)
		if err != nil {
			slog.Warn("Token refresh failed, failing owner batch", "owner", owner, "events", len(events), "error", err)
			for i := range events {
				stats.Processed++
				stats.Failed++
				w.fail(ctx, &events[i], tokenErrorPrefix+err.Error(), false, now)
				metrics.WritebackPushes.WithLabelValues("token_error").Inc()
			}
			continue
		}

		for i := range events {
			ev := &events[i]
			stats.Processed++
			fields := ev.DirtyFields
			if len(fields) == 0 {
				fields = []string{models.FieldTitle, models.FieldDescription, models.FieldStart, models.FieldEnd}
			}
			if err := w.Calendar.PatchEvent(ctx, token, ev, fields); err != nil {
				stats.Failed++
				permanent := isPermanent(err)
				w.fail(ctx, ev, err.Error(), permanent, now)
				if permanent {
					metrics.WritebackPushes.WithLabelValues("failed_permanent").Inc()
				} else {
					metrics.WritebackPushes.WithLabelValues("failed").Inc()
				}
				continue
			}
			stats.Succeeded++
			w.succeed(ctx, ev, now)
		}
	}

	slog.Info("Write-back retry pass finished",
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed)
	return stats, nil
}

func (w *WriteBack) succeed(ctx context.Context, ev *models.Event, now time.Time) {
	updated, err := w.Store.MarkPushed(ctx, ev.ID, ev.Version, now)
	if err != nil {
		slog.Error("Failed to record push success", "event", ev.ID, "error", err)
		return
	}
	if updated {
		metrics.WritebackPushes.WithLabelValues("ok").Inc()
	} else {
		// Changed locally while the push was in flight; the next pass sends
		// the newer version.
		metrics.WritebackPushes.WithLabelValues("stale").Inc()
	}
	w.log(ctx, ev, models.PushOK, "", now)
}

func (w *WriteBack) fail(ctx context.Context, ev *models.Event, msg string, permanent bool, now time.Time) {
	msg = truncate(msg, maxErrorLen)
	ev.RetryCount++
	ev.LastError = msg
	ev.LastPushAt = &now
	if permanent {
		ev.PendingPush = false
		ev.LastPushStatus = models.PushFailedPermanent
	} else {
		ev.LastPushStatus = models.PushFailed
		ev.NextRetryAt = now.Add(Backoff(ev.RetryCount))
	}
	if err := w.Store.SavePushState(ctx, ev); err != nil {
		slog.Error("Failed to record push failure", "event", ev.ID, "error", err)
	}
	w.log(ctx, ev, ev.LastPushStatus, msg, now)
}

func (w *WriteBack) log(ctx context.Context, ev *models.Event, status, msg string, now time.Time) {
	entry := &models.PushLog{
		ID:        uuid.New(),
		OwnerID:   ev.OwnerID,
		EventID:   ev.ID,
		Status:    status,
		Error:     msg,
		CreatedAt: now,
	}
	if err := w.Store.AppendPushLog(ctx, entry); err != nil {
		slog.Error("Failed to append push log", "event", ev.ID, "error", err)
	}
}

// isPermanent reports whether err says retrying cannot help.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// truncate caps s at n bytes without splitting a rune; the result is
// always valid UTF-8.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
