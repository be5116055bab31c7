package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
)

// Conflict commands and the decided_action values they record.
const (
	ActionAccept  = "accept"
	ActionIgnore  = "ignore"
	ActionSnooze  = "snooze"
	ActionReopen  = "reopen"
	ActionUndo    = "undo"
	ActionCleared = "cleared"
	ActionAuto    = "autopilot"
)

// DefaultSnooze is used when snooze is called without an explicit instant.
const DefaultSnooze = 30 * time.Minute

// SplitSuffix is appended to the title of the event created by a split.
const SplitSuffix = " (after prayer)"

// ResolveParams carries optional arguments of a lifecycle command.
type ResolveParams struct {
	SnoozeUntil *time.Time
	// Patch replaces the stored suggestion on accept.
	Patch *models.Patch
}

// ResolveResult is returned by every lifecycle command.
type ResolveResult struct {
	ConflictID     uuid.UUID             `json:"conflict_id"`
	EventID        uuid.UUID             `json:"event_id"`
	Status         models.ConflictStatus `json:"status"`
	CreatedEventID *uuid.UUID            `json:"created_event_id,omitempty"`
	SnoozeUntil    *time.Time            `json:"snooze_until,omitempty"`
	Restored       bool                  `json:"restored,omitempty"`
}

// Lifecycle applies the conflict state machine:
//
//	open      -> suggested | snoozed | ignored | resolved
//	suggested -> resolved | ignored
//	snoozed   -> open (detection after expiry)
//	any       -> open (reopen, undo)
type Lifecycle struct {
	Store  Store
	Snooze time.Duration
	Now    Clock
}

// ValidAction reports whether action is a lifecycle command.
func ValidAction(action string) bool {
	switch action {
	case ActionAccept, ActionIgnore, ActionSnooze, ActionReopen, ActionUndo:
		return true
	}
	return false
}

// Resolve runs action on the conflict. Conflicts of other owners are
// reported as models.ErrNotFound.
func (l *Lifecycle) Resolve(ctx context.Context, owner, conflictID uuid.UUID, action string, params ResolveParams) (ResolveResult, error) {
	if !ValidAction(action) {
		return ResolveResult{}, fmt.Errorf("%w: unknown action %q", models.ErrInvalidInput, action)
	}
	if params.Patch != nil {
		if err := params.Patch.Validate(); err != nil {
			return ResolveResult{}, err
		}
	}
	now := l.Now.now()
	if params.SnoozeUntil != nil && !params.SnoozeUntil.After(now) {
		return ResolveResult{}, fmt.Errorf("%w: snooze_until must be in the future", models.ErrInvalidInput)
	}

	var res ResolveResult
	err := l.Store.InTx(ctx, func(tx Store) error {
		c, err := tx.GetConflict(ctx, owner, conflictID)
		if err != nil {
			return err
		}
		switch action {
		case ActionAccept:
			res, err = l.accept(ctx, tx, c, params.Patch, now)
		case ActionIgnore:
			res, err = l.ignore(ctx, tx, c, now)
		case ActionSnooze:
			res, err = l.snooze(ctx, tx, c, params.SnoozeUntil, now)
		case ActionReopen:
			res, err = l.reopen(ctx, tx, c, now)
		case ActionUndo:
			res, err = l.undo(ctx, tx, c, nil, now)
		}
		return err
	})
	if err != nil {
		return ResolveResult{}, err
	}
	metrics.ConflictTransitions.WithLabelValues(action).Inc()
	slog.Info("Conflict transition", "owner", owner, "conflict", conflictID, "action", action, "status", res.Status)
	return res, nil
}

// UndoByToken reverses the autopilot action identified by its undo token.
func (l *Lifecycle) UndoByToken(ctx context.Context, owner, token uuid.UUID) (ResolveResult, error) {
	now := l.Now.now()
	var res ResolveResult
	err := l.Store.InTx(ctx, func(tx Store) error {
		action, err := tx.GetAutopilotActionByToken(ctx, owner, token)
		if err != nil {
			return err
		}
		c, err := tx.GetConflict(ctx, owner, action.ConflictID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusAutoApplied {
			return fmt.Errorf("%w: conflict is %s, nothing to undo", models.ErrInvalidTransition, c.Status)
		}
		res, err = l.undo(ctx, tx, c, action, now)
		return err
	})
	if err != nil {
		return ResolveResult{}, err
	}
	metrics.ConflictTransitions.WithLabelValues(ActionUndo).Inc()
	slog.Info("Autopilot action undone", "owner", owner, "conflict", res.ConflictID)
	return res, nil
}

func (l *Lifecycle) accept(ctx context.Context, tx Store, c *models.Conflict, override *models.Patch, now time.Time) (ResolveResult, error) {
	if c.Status != models.StatusOpen && c.Status != models.StatusSuggested {
		return ResolveResult{}, transitionError(c.Status, ActionAccept)
	}
	patch := override
	if patch == nil {
		patch = c.Suggestion
	}
	if patch == nil {
		return ResolveResult{}, models.ErrNoSuggestion
	}

	ev, err := tx.GetEvent(ctx, c.OwnerID, c.EventID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("load event: %w", err)
	}
	pre := ev.Snapshot()
	changed, err := patch.Apply(ev)
	if err != nil {
		return ResolveResult{}, err
	}

	res := ResolveResult{ConflictID: c.ID, EventID: ev.ID}
	if part, ok := patch.SecondPart(); ok {
		second := models.Event{
			ID:              uuid.New(),
			OwnerID:         ev.OwnerID,
			Title:           ev.Title + SplitSuffix,
			Description:     ev.Description,
			StartTime:       part.NewStart,
			EndTime:         part.NewEnd,
			Transparency:    ev.Transparency,
			Status:          ev.Status,
			OrganizerIsSelf: ev.OrganizerIsSelf,
			Flexible:        ev.Flexible,
			MustAttend:      ev.MustAttend,
			Importance:      ev.Importance,
			Attendees:       ev.Attendees,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertEvent(ctx, &second); err != nil {
			return ResolveResult{}, fmt.Errorf("insert split event: %w", err)
		}
		pre.SplitEventID = &second.ID
		res.CreatedEventID = &second.ID
	}

	if len(changed) > 0 {
		ev.MarkDirty(now, changed...)
		if err := tx.UpdateEvent(ctx, ev); err != nil {
			return ResolveResult{}, fmt.Errorf("update event: %w", err)
		}
	}

	c.Status = models.StatusResolved
	c.AppliedPatch = patch
	c.PreImage = &pre
	c.SnoozeUntil = nil
	decide(c, ActionAccept, now)
	if err := tx.UpdateConflict(ctx, c); err != nil {
		return ResolveResult{}, err
	}
	res.Status = c.Status
	return res, nil
}

func (l *Lifecycle) ignore(ctx context.Context, tx Store, c *models.Conflict, now time.Time) (ResolveResult, error) {
	if c.Status != models.StatusOpen && c.Status != models.StatusSuggested {
		return ResolveResult{}, transitionError(c.Status, ActionIgnore)
	}
	c.Status = models.StatusIgnored
	c.SnoozeUntil = nil
	decide(c, ActionIgnore, now)
	if err := tx.UpdateConflict(ctx, c); err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{ConflictID: c.ID, EventID: c.EventID, Status: c.Status}, nil
}

func (l *Lifecycle) snooze(ctx context.Context, tx Store, c *models.Conflict, until *time.Time, now time.Time) (ResolveResult, error) {
	if c.Status != models.StatusOpen {
		return ResolveResult{}, transitionError(c.Status, ActionSnooze)
	}
	wake := now.Add(l.snoozeFor())
	if until != nil {
		wake = until.UTC()
	}
	c.Status = models.StatusSnoozed
	c.SnoozeUntil = &wake
	decide(c, ActionSnooze, now)
	if err := tx.UpdateConflict(ctx, c); err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{ConflictID: c.ID, EventID: c.EventID, Status: c.Status, SnoozeUntil: &wake}, nil
}

func (l *Lifecycle) reopen(ctx context.Context, tx Store, c *models.Conflict, now time.Time) (ResolveResult, error) {
	res := ResolveResult{ConflictID: c.ID, EventID: c.EventID, Status: models.StatusOpen}
	if c.Status == models.StatusOpen {
		return res, nil
	}
	c.Status = models.StatusOpen
	c.ClearDecision()
	c.UpdatedAt = now
	if err := tx.UpdateConflict(ctx, c); err != nil {
		return ResolveResult{}, err
	}
	return res, nil
}

// undo reopens c and restores the event from the accept pre-image or, for
// autopilot changes, from the action's patch_before. A missing event is
// treated as already gone. The conflict keeps decided_action=undo so the
// autopilot only suggests from then on.
func (l *Lifecycle) undo(ctx context.Context, tx Store, c *models.Conflict, action *models.AutopilotAction, now time.Time) (ResolveResult, error) {
	res := ResolveResult{ConflictID: c.ID, EventID: c.EventID, Status: models.StatusOpen}

	snapshot := c.PreImage
	if snapshot == nil && c.Status == models.StatusAutoApplied {
		if action == nil {
			a, err := tx.GetAutopilotActionByConflict(ctx, c.OwnerID, c.ID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return ResolveResult{}, err
			}
			action = a
		}
		if action != nil {
			before := action.PatchBefore
			snapshot = &before
		}
	}

	if snapshot != nil {
		restored, err := restoreEvent(ctx, tx, c.OwnerID, c.EventID, *snapshot, now)
		if err != nil {
			return ResolveResult{}, err
		}
		res.Restored = restored
		if snapshot.SplitEventID != nil {
			if err := cancelEvent(ctx, tx, c.OwnerID, *snapshot.SplitEventID, now); err != nil {
				return ResolveResult{}, err
			}
		}
	}

	c.Status = models.StatusOpen
	c.ClearDecision()
	// The autopilot asks before touching an undone conflict again.
	decide(c, ActionUndo, now)
	if err := tx.UpdateConflict(ctx, c); err != nil {
		return ResolveResult{}, err
	}
	return res, nil
}

func (l *Lifecycle) snoozeFor() time.Duration {
	if l.Snooze > 0 {
		return l.Snooze
	}
	return DefaultSnooze
}

func restoreEvent(ctx context.Context, tx Store, owner, id uuid.UUID, s models.EventSnapshot, now time.Time) (bool, error) {
	ev, err := tx.GetEvent(ctx, owner, id)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ev.Restore(s, now) {
		return false, nil
	}
	if err := tx.UpdateEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("restore event: %w", err)
	}
	return true, nil
}

func cancelEvent(ctx context.Context, tx Store, owner, id uuid.UUID, now time.Time) error {
	ev, err := tx.GetEvent(ctx, owner, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ev.Status == models.EventCancelled {
		return nil
	}
	ev.Status = models.EventCancelled
	ev.MarkDirty(now, models.FieldStatus)
	if err := tx.UpdateEvent(ctx, ev); err != nil {
		return fmt.Errorf("cancel split event: %w", err)
	}
	return nil
}

func decide(c *models.Conflict, action string, now time.Time) {
	c.DecidedAction = action
	c.DecidedAt = &now
	c.UpdatedAt = now
}

func transitionError(from models.ConflictStatus, action string) error {
	return fmt.Errorf("%w: cannot %s a conflict that is %s", models.ErrInvalidTransition, action, from)
}
