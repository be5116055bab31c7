package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
)

const notificationColumns = `id, owner_id, channel, priority, title, body, payload, status,
	scheduled_at, released_at, delivered_at, mute_while_prayer,
	COALESCE(dedupe_key, ''), parent_id, reason, attempts, created_at`

func scanNotification(row scanner) (models.Notification, error) {
	var (
		n       models.Notification
		payload []byte
	)
	err := row.Scan(&n.ID, &n.OwnerID, &n.Channel, &n.Priority, &n.Title, &n.Body, &payload, &n.Status,
		&n.ScheduledAt, &n.ReleasedAt, &n.DeliveredAt, &n.MuteWhilePrayer,
		&n.DedupeKey, &n.ParentID, &n.Reason, &n.Attempts, &n.CreatedAt)
	if err != nil {
		return n, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return n, fmt.Errorf("decode payload: %w", err)
		}
	}
	return n, nil
}

func payloadArg(p map[string]any) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// InsertNotification relies on the partial unique index over
// (owner_id, dedupe_key) to drop duplicates.
func (s *Store) InsertNotification(ctx context.Context, n *models.Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	payload, err := payloadArg(n.Payload)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO notifications (id, owner_id, channel, priority, title, body, payload, status,
			scheduled_at, released_at, delivered_at, mute_while_prayer,
			dedupe_key, parent_id, reason, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (owner_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`, n.ID, n.OwnerID, n.Channel, n.Priority, n.Title, n.Body, payload, n.Status,
		n.ScheduledAt, n.ReleasedAt, n.DeliveredAt, n.MuteWhilePrayer,
		nullString(n.DedupeKey), n.ParentID, n.Reason, n.Attempts, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateNotification(ctx context.Context, n *models.Notification) error {
	payload, err := payloadArg(n.Payload)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE notifications SET
			title = $2, body = $3, payload = $4, status = $5,
			scheduled_at = $6, released_at = $7, delivered_at = $8,
			parent_id = $9, reason = $10, attempts = $11
		WHERE id = $1
	`, n.ID, n.Title, n.Body, payload, n.Status,
		n.ScheduledAt, n.ReleasedAt, n.DeliveredAt,
		n.ParentID, n.Reason, n.Attempts)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (s *Store) LastReleasedAt(ctx context.Context, owner uuid.UUID) (time.Time, bool, error) {
	var last *time.Time
	if err := s.db.QueryRow(ctx, `
		SELECT max(released_at) FROM notifications WHERE owner_id = $1
	`, owner).Scan(&last); err != nil {
		return time.Time{}, false, err
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

func (s *Store) ListBatched(ctx context.Context, limit int) ([]models.Notification, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, models.NotifyBatched, limit)
}

func (s *Store) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
		LIMIT $3
	`, models.NotifyScheduled, now, limit)
}

func (s *Store) queryNotifications(ctx context.Context, sql string, args ...any) ([]models.Notification, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
