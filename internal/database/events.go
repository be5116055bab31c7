package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
)

const eventColumns = `id, owner_id, title, description, start_time, end_time,
	transparency, status, organizer_is_self, flexible, must_attend, importance, attendees,
	external_source, external_event_id, external_calendar_id,
	pending_push, retry_count, next_retry_at, last_push_status, last_push_at, last_error,
	dirty_fields, version, created_at, updated_at`

func scanEvent(row scanner) (models.Event, error) {
	var e models.Event
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.Title, &e.Description, &e.StartTime, &e.EndTime,
		&e.Transparency, &e.Status, &e.OrganizerIsSelf, &e.Flexible, &e.MustAttend, &e.Importance, &e.Attendees,
		&e.ExternalSource, &e.ExternalEventID, &e.ExternalCalendarID,
		&e.PendingPush, &e.RetryCount, &e.NextRetryAt, &e.LastPushStatus, &e.LastPushAt, &e.LastError,
		&e.DirtyFields, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (s *Store) queryEvents(ctx context.Context, sql string, args ...any) ([]models.Event, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEventsInRange(ctx context.Context, owner uuid.UUID, from, to time.Time) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE owner_id = $1 AND start_time < $3 AND end_time > $2 AND status <> $4
		ORDER BY start_time
	`, owner, from, to, models.EventCancelled)
}

func (s *Store) GetEvent(ctx context.Context, owner, id uuid.UUID) (*models.Event, error) {
	e, err := scanEvent(s.db.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = $1 AND owner_id = $2
	`, id, owner))
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ev.UpdatedAt
	}
	if ev.NextRetryAt.IsZero() {
		ev.NextRetryAt = ev.CreatedAt
	}
	ev.Version = 1
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`,
		ev.ID, ev.OwnerID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.Transparency, ev.Status, ev.OrganizerIsSelf, ev.Flexible, ev.MustAttend, ev.Importance, ev.Attendees,
		ev.ExternalSource, ev.ExternalEventID, ev.ExternalCalendarID,
		ev.PendingPush, ev.RetryCount, ev.NextRetryAt, ev.LastPushStatus, ev.LastPushAt, ev.LastError,
		dirty(ev.DirtyFields), ev.Version, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) UpdateEvent(ctx context.Context, ev *models.Event) error {
	err := s.db.QueryRow(ctx, `
		UPDATE events SET
			title = $3, description = $4, start_time = $5, end_time = $6,
			transparency = $7, status = $8,
			pending_push = $9, retry_count = $10, next_retry_at = $11,
			last_push_status = $12, last_push_at = $13, last_error = $14,
			dirty_fields = $15, updated_at = $16,
			version = version + 1
		WHERE id = $1 AND owner_id = $2
		RETURNING version
	`,
		ev.ID, ev.OwnerID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.Transparency, ev.Status,
		ev.PendingPush, ev.RetryCount, ev.NextRetryAt,
		ev.LastPushStatus, ev.LastPushAt, ev.LastError,
		dirty(ev.DirtyFields), ev.UpdatedAt,
	).Scan(&ev.Version)
	return notFound(err)
}

func (s *Store) ListPendingPush(ctx context.Context, now time.Time, limit int) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE pending_push
		  AND external_event_id <> '' AND external_calendar_id <> ''
		  AND next_retry_at <= $1
		  AND EXISTS (
			SELECT 1 FROM profiles p
			WHERE p.owner_id = events.owner_id AND p.calendar_writeback
		  )
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
}

func (s *Store) MarkPushed(ctx context.Context, id uuid.UUID, version int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE events SET
			pending_push = FALSE, retry_count = 0, last_push_status = $3,
			last_push_at = $4, last_error = '', dirty_fields = '{}'
		WHERE id = $1 AND version = $2
	`, id, version, models.PushOK, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, models.ErrNotFound
	}
	return false, nil
}

func (s *Store) SavePushState(ctx context.Context, ev *models.Event) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE events SET
			pending_push = CASE WHEN version = $8 THEN $2 ELSE pending_push END,
			retry_count = $3, next_retry_at = $4,
			last_push_status = $5, last_push_at = $6, last_error = $7
		WHERE id = $1
	`, ev.ID, ev.PendingPush, ev.RetryCount, ev.NextRetryAt, ev.LastPushStatus, ev.LastPushAt, ev.LastError, ev.Version)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (s *Store) AppendPushLog(ctx context.Context, l *models.PushLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO push_logs (id, owner_id, event_id, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.OwnerID, l.EventID, l.Status, l.Error, l.CreatedAt)
	return err
}

func dirty(fields []string) []string {
	if fields == nil {
		return []string{}
	}
	return fields
}

func (s *Store) ListPrayerDays(ctx context.Context, owner uuid.UUID, from, to time.Time) ([]prayer.Day, error) {
	rows, err := s.db.Query(ctx, `
		SELECT date, times FROM prayer_days
		WHERE owner_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date
	`, owner, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prayer.Day
	for rows.Next() {
		var (
			d   = prayer.Day{OwnerID: owner}
			raw []byte
		)
		if err := rows.Scan(&d.Date, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &d.Times); err != nil {
			return nil, fmt.Errorf("decode prayer times for %s: %w", d.Date.Format(time.DateOnly), err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SavePrayerDays(ctx context.Context, days []prayer.Day) error {
	for _, d := range days {
		raw, err := json.Marshal(d.Times)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO prayer_days (owner_id, date, times) VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, date) DO UPDATE SET times = EXCLUDED.times
		`, d.OwnerID, d.Date, raw)
		if err != nil {
			return fmt.Errorf("save prayer day %s: %w", d.Date.Format(time.DateOnly), err)
		}
	}
	return nil
}
