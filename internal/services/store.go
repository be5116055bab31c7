// Package services holds the conflict subsystem: detection, the conflict
// lifecycle, the autopilot, notification scheduling and dispatch, and the
// calendar write-back retrier. Services are stateless; all state lives behind
// Store.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
)

// ConflictFilter narrows ListConflicts. Zero fields do not filter.
type ConflictFilter struct {
	Statuses []models.ConflictStatus
	EventID  uuid.UUID
	DateFrom time.Time
	DateTo   time.Time
	Limit    int
}

// Store is the persistence contract shared by the Postgres and in-memory
// implementations. Every owner-scoped read returns models.ErrNotFound for
// rows that belong to somebody else.
type Store interface {
	// InTx runs fn against a transactional view of the store.
	InTx(ctx context.Context, fn func(Store) error) error

	GetProfile(ctx context.Context, owner uuid.UUID) (*models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	OwnerByAPIToken(ctx context.Context, token string) (uuid.UUID, error)
	OwnerByTelegramChat(ctx context.Context, chatID int64) (uuid.UUID, error)
	LinkTelegramChat(ctx context.Context, owner uuid.UUID, chatID int64) error

	// ListEventsInRange returns events of owner intersecting [from, to),
	// cancelled events excluded.
	ListEventsInRange(ctx context.Context, owner uuid.UUID, from, to time.Time) ([]models.Event, error)
	GetEvent(ctx context.Context, owner, id uuid.UUID) (*models.Event, error)
	InsertEvent(ctx context.Context, ev *models.Event) error
	// UpdateEvent persists schedule and push fields and bumps Version.
	UpdateEvent(ctx context.Context, ev *models.Event) error
	// ListPendingPush returns linked events with pending_push set and
	// next_retry_at <= now whose owner has write-back enabled, oldest due
	// first.
	ListPendingPush(ctx context.Context, now time.Time, limit int) ([]models.Event, error)
	// MarkPushed clears pending_push only when the row still has version.
	// It reports whether the row was updated.
	MarkPushed(ctx context.Context, id uuid.UUID, version int64, at time.Time) (bool, error)
	// SavePushState writes retry bookkeeping without bumping Version.
	// pending_push changes only when the row still has ev.Version.
	SavePushState(ctx context.Context, ev *models.Event) error
	AppendPushLog(ctx context.Context, l *models.PushLog) error

	ListPrayerDays(ctx context.Context, owner uuid.UUID, from, to time.Time) ([]prayer.Day, error)
	SavePrayerDays(ctx context.Context, days []prayer.Day) error

	// UpsertConflict inserts c or refreshes the existing row with the same
	// (owner, event, date, prayer) key and returns the stored row. Decision
	// state is preserved, except that a snooze which expired by now returns
	// to open and a cleared conflict that overlaps again is reopened.
	UpsertConflict(ctx context.Context, c *models.Conflict, now time.Time) (*models.Conflict, error)
	GetConflict(ctx context.Context, owner, id uuid.UUID) (*models.Conflict, error)
	UpdateConflict(ctx context.Context, c *models.Conflict) error
	ListConflicts(ctx context.Context, owner uuid.UUID, f ConflictFilter) ([]models.Conflict, error)

	InsertAutopilotAction(ctx context.Context, a *models.AutopilotAction) error
	GetAutopilotActionByToken(ctx context.Context, owner, token uuid.UUID) (*models.AutopilotAction, error)
	// GetAutopilotActionByConflict returns the latest action for a conflict.
	GetAutopilotActionByConflict(ctx context.Context, owner, conflictID uuid.UUID) (*models.AutopilotAction, error)

	// InsertNotification stores n unless (owner, dedupe_key) already exists.
	InsertNotification(ctx context.Context, n *models.Notification) (bool, error)
	UpdateNotification(ctx context.Context, n *models.Notification) error
	// LastReleasedAt returns the latest release instant across all channels
	// of owner; ok is false when nothing was released yet.
	LastReleasedAt(ctx context.Context, owner uuid.UUID) (t time.Time, ok bool, err error)
	ListBatched(ctx context.Context, limit int) ([]models.Notification, error)
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)

	GetExternalAccount(ctx context.Context, owner uuid.UUID, provider string) (*models.ExternalAccount, error)
	SaveExternalAccount(ctx context.Context, a *models.ExternalAccount) error

	GetIdempotency(ctx context.Context, owner uuid.UUID, key string) (*models.IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, r *models.IdempotencyRecord) error
}

// Clock returns the current time. Services take one so tests can pin it.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
