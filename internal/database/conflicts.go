package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/services"
)

const conflictColumns = `id, owner_id, event_id, date, prayer, kind,
	prayer_start, prayer_end, overlap_minutes, severity, status,
	suggestion, applied_patch, requires_consent, confidence,
	decided_action, decided_at, snooze_until, pre_image, created_at, updated_at`

func scanConflict(row scanner) (*models.Conflict, error) {
	var (
		c                        models.Conflict
		suggestion, applied, pre []byte
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.EventID, &c.Date, &c.Prayer, &c.Kind,
		&c.PrayerStart, &c.PrayerEnd, &c.OverlapMinutes, &c.Severity, &c.Status,
		&suggestion, &applied, &c.RequiresConsent, &c.Confidence,
		&c.DecidedAction, &c.DecidedAt, &c.SnoozeUntil, &pre, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Suggestion, err = jsonScan[models.Patch](suggestion); err != nil {
		return nil, err
	}
	if c.AppliedPatch, err = jsonScan[models.Patch](applied); err != nil {
		return nil, err
	}
	if c.PreImage, err = jsonScan[models.EventSnapshot](pre); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConflict mirrors the in-memory rules in one statement: detection
// facts are refreshed, decision state is kept, an expired snooze and a
// cleared conflict both return to open.
func (s *Store) UpsertConflict(ctx context.Context, c *models.Conflict, now time.Time) (*models.Conflict, error) {
	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	status := c.Status
	if status == "" {
		status = models.StatusOpen
	}
	suggestion, err := jsonArg(c.Suggestion)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO conflicts (id, owner_id, event_id, date, prayer, kind,
			prayer_start, prayer_end, overlap_minutes, severity, status, suggestion,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (owner_id, event_id, date, prayer) DO UPDATE SET
			kind = EXCLUDED.kind,
			prayer_start = EXCLUDED.prayer_start,
			prayer_end = EXCLUDED.prayer_end,
			overlap_minutes = EXCLUDED.overlap_minutes,
			severity = EXCLUDED.severity,
			suggestion = CASE
				WHEN conflicts.status = 'open'
				  OR (conflicts.status = 'snoozed' AND conflicts.snooze_until <= $13)
				  OR (conflicts.status = 'resolved' AND conflicts.decided_action = $14)
				THEN COALESCE(EXCLUDED.suggestion, conflicts.suggestion)
				ELSE COALESCE(conflicts.suggestion, EXCLUDED.suggestion)
			END,
			status = CASE
				WHEN conflicts.status = 'snoozed' AND conflicts.snooze_until <= $13 THEN 'open'
				WHEN conflicts.status = 'resolved' AND conflicts.decided_action = $14 THEN 'open'
				ELSE conflicts.status
			END,
			snooze_until = CASE
				WHEN conflicts.status = 'snoozed' AND conflicts.snooze_until <= $13 THEN NULL
				ELSE conflicts.snooze_until
			END,
			decided_at = CASE
				WHEN conflicts.status = 'resolved' AND conflicts.decided_action = $14 THEN NULL
				ELSE conflicts.decided_at
			END,
			decided_action = CASE
				WHEN conflicts.status = 'resolved' AND conflicts.decided_action = $14 THEN ''
				ELSE conflicts.decided_action
			END,
			updated_at = $13
		RETURNING `+conflictColumns,
		id, c.OwnerID, c.EventID, c.Date, c.Prayer, c.Kind,
		c.PrayerStart, c.PrayerEnd, c.OverlapMinutes, c.Severity, status, suggestion,
		now, services.ActionCleared,
	)
	out, err := scanConflict(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conflict: %w", err)
	}
	return out, nil
}

func (s *Store) GetConflict(ctx context.Context, owner, id uuid.UUID) (*models.Conflict, error) {
	c, err := scanConflict(s.db.QueryRow(ctx, `
		SELECT `+conflictColumns+` FROM conflicts WHERE id = $1 AND owner_id = $2
	`, id, owner))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *Store) UpdateConflict(ctx context.Context, c *models.Conflict) error {
	suggestion, err := jsonArg(c.Suggestion)
	if err != nil {
		return err
	}
	applied, err := jsonArg(c.AppliedPatch)
	if err != nil {
		return err
	}
	pre, err := jsonArg(c.PreImage)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE conflicts SET
			status = $3, suggestion = $4, applied_patch = $5,
			requires_consent = $6, confidence = $7,
			decided_action = $8, decided_at = $9, snooze_until = $10,
			pre_image = $11, updated_at = $12
		WHERE id = $1 AND owner_id = $2
	`, c.ID, c.OwnerID, c.Status, suggestion, applied,
		c.RequiresConsent, c.Confidence,
		c.DecidedAction, c.DecidedAt, c.SnoozeUntil,
		pre, c.UpdatedAt)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (s *Store) ListConflicts(ctx context.Context, owner uuid.UUID, f services.ConflictFilter) ([]models.Conflict, error) {
	where := []string{"owner_id = $1"}
	args := []any{owner}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.EventID != uuid.Nil {
		where = append(where, "event_id = "+arg(f.EventID))
	}
	if !f.DateFrom.IsZero() {
		where = append(where, "date >= "+arg(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		where = append(where, "date <= "+arg(f.DateTo))
	}
	sql := `SELECT ` + conflictColumns + ` FROM conflicts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY prayer_start`
	if f.Limit > 0 {
		sql += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

const actionColumns = `id, owner_id, conflict_id, event_id, action, confidence,
	patch_before, patch_after, undo_token, created_at`

func scanAction(row scanner) (*models.AutopilotAction, error) {
	var (
		a             models.AutopilotAction
		before, after []byte
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.ConflictID, &a.EventID, &a.Action, &a.Confidence,
		&before, &after, &a.UndoToken, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(before, &a.PatchBefore); err != nil {
		return nil, fmt.Errorf("decode patch_before: %w", err)
	}
	if err := json.Unmarshal(after, &a.PatchAfter); err != nil {
		return nil, fmt.Errorf("decode patch_after: %w", err)
	}
	return &a, nil
}

func (s *Store) InsertAutopilotAction(ctx context.Context, a *models.AutopilotAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	before, err := json.Marshal(a.PatchBefore)
	if err != nil {
		return err
	}
	after, err := json.Marshal(a.PatchAfter)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO autopilot_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.OwnerID, a.ConflictID, a.EventID, a.Action, a.Confidence,
		before, after, a.UndoToken, a.CreatedAt)
	return err
}

func (s *Store) GetAutopilotActionByToken(ctx context.Context, owner, token uuid.UUID) (*models.AutopilotAction, error) {
	a, err := scanAction(s.db.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM autopilot_actions WHERE owner_id = $1 AND undo_token = $2
	`, owner, token))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (s *Store) GetAutopilotActionByConflict(ctx context.Context, owner, conflictID uuid.UUID) (*models.AutopilotAction, error) {
	a, err := scanAction(s.db.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM autopilot_actions
		WHERE owner_id = $1 AND conflict_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, owner, conflictID))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}
