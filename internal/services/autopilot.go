package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/models"
)

// Autopilot actions.
const (
	DecisionMarkFree   = "mark_free"
	DecisionShiftTime  = "shift_time"
	DecisionNotifyOnly = "notify_only"
)

const (
	// ConsentThreshold is the confidence at or above which the autopilot may
	// act without asking.
	ConsentThreshold = 0.8
	// ShiftThreshold is the lowest confidence at which a flexible event is
	// still proposed for shifting.
	ShiftThreshold = 0.6

	DefaultShiftMinutes   = 30
	DefaultAutopilotLimit = 10
)

// Notification payload types produced by the autopilot.
const (
	PayloadAutopilotApplied = "autopilot_applied"
	PayloadAutopilotSuggest = "autopilot_suggest"
	PayloadConflictNotice   = "conflict_notice"
)

// Decision is the autopilot's verdict for one conflict.
type Decision struct {
	ConflictID      uuid.UUID     `json:"conflict_id"`
	EventID         uuid.UUID     `json:"event_id"`
	Action          string        `json:"action"`
	Confidence      float64       `json:"confidence"`
	RequiresConsent bool          `json:"requires_consent"`
	Patch           *models.Patch `json:"patch,omitempty"`
	Applied         bool          `json:"applied"`
	UndoToken       *uuid.UUID    `json:"undo_token,omitempty"`
}

// Score rates how safely the event can be changed without asking.
//
//	base                                   0.5
//	conflict with a prayer window         +0.2
//	organizer is self, or flexible        +0.2
//	3+ attendees and somebody else's      -0.15
//	must attend, or high importance       -0.25
//
// The result is clamped to [0, 1].
func Score(ev *models.Event, kind models.ConflictKind) float64 {
	score := 0.5
	if kind == models.KindPrayer {
		score += 0.2
	}
	if ev.OrganizerIsSelf || ev.Flexible {
		score += 0.2
	}
	if ev.Attendees >= 3 && !ev.OrganizerIsSelf {
		score -= 0.15
	}
	if ev.MustAttend || ev.Importance == models.ImportanceHigh {
		score -= 0.25
	}
	return clamp01(math.Round(score*100) / 100)
}

// DecideParams tunes Decide.
type DecideParams struct {
	ShiftMinutes int
	// AutopilotEnabled false forces consent for every actionable decision.
	AutopilotEnabled bool
}

// Decide chooses the action for a conflict. It does not touch any state.
func Decide(ev *models.Event, c *models.Conflict, p DecideParams) Decision {
	conf := Score(ev, c.Kind)
	d := Decision{ConflictID: c.ID, EventID: ev.ID, Confidence: conf}

	switch {
	case conf >= ConsentThreshold && ev.Flexible:
		d.Action = DecisionShiftTime
	case conf >= ConsentThreshold:
		d.Action = DecisionMarkFree
	case conf >= ShiftThreshold && ev.Flexible:
		d.Action = DecisionShiftTime
	default:
		d.Action = DecisionNotifyOnly
	}

	switch d.Action {
	case DecisionShiftTime:
		d.Patch = &models.Patch{Type: models.PatchShift, ShiftMinutes: shiftFor(ev, c, p.ShiftMinutes)}
	case DecisionMarkFree:
		d.Patch = &models.Patch{
			Type:         models.PatchMarkFree,
			Transparency: models.TransparencyTransparent,
			Status:       models.EventTentative,
		}
	}
	actionable := d.Action != DecisionNotifyOnly
	d.RequiresConsent = actionable && (conf < ConsentThreshold || !p.AutopilotEnabled)
	return d
}

// shiftFor returns the larger of the configured offset and the offset that
// makes the event start at the end of the prayer window.
func shiftFor(ev *models.Event, c *models.Conflict, configured int) int {
	if configured <= 0 {
		configured = DefaultShiftMinutes
	}
	need := interval.CeilMinutes(c.PrayerEnd.Sub(ev.StartTime))
	if need > configured {
		return need
	}
	return configured
}

// Autopilot runs Decide over an owner's open conflicts and carries out the
// result.
type Autopilot struct {
	Store        Store
	Scheduler    *Scheduler
	ShiftMinutes int
	BatchLimit   int
	Now          Clock
}

// Run decides every open or suggested prayer conflict of owner, up to the
// batch limit. A failure on one conflict is logged and does not stop the
// others.
func (a *Autopilot) Run(ctx context.Context, owner uuid.UUID) ([]Decision, error) {
	profile, err := a.Store.GetProfile(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	limit := a.BatchLimit
	if limit <= 0 {
		limit = DefaultAutopilotLimit
	}
	conflicts, err := a.Store.ListConflicts(ctx, owner, ConflictFilter{
		Statuses: []models.ConflictStatus{models.StatusOpen, models.StatusSuggested},
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}

	decisions := make([]Decision, 0, len(conflicts))
	for i := range conflicts {
		c := &conflicts[i]
		if c.Kind != models.KindPrayer {
			continue
		}
		var d Decision
		err := a.Store.InTx(ctx, func(tx Store) error {
			var err error
			d, err = a.handle(ctx, tx, profile, c)
			return err
		})
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("Autopilot skipped conflict with missing event", "owner", owner, "conflict", c.ID)
			continue
		}
		if err != nil {
			slog.Warn("Autopilot failed on conflict", "owner", owner, "conflict", c.ID, "error", err)
			metrics.AutopilotDecisions.WithLabelValues(d.Action, "error").Inc()
			continue
		}
		decisions = append(decisions, d)
	}
	slog.Info("Autopilot run finished", "owner", owner, "conflicts", len(conflicts), "decisions", len(decisions))
	return decisions, nil
}

// Sweep runs the autopilot for every owner that has it enabled.
func (a *Autopilot) Sweep(ctx context.Context) (int, error) {
	profiles, err := a.Store.ListProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}
	total := 0
	for _, p := range profiles {
		if !p.AutopilotEnabled {
			continue
		}
		ds, err := a.Run(ctx, p.OwnerID)
		if err != nil {
			slog.Warn("Autopilot sweep failed for owner", "owner", p.OwnerID, "error", err)
			continue
		}
		total += len(ds)
	}
	return total, nil
}

func (a *Autopilot) handle(ctx context.Context, tx Store, profile *models.Profile, c *models.Conflict) (Decision, error) {
	ev, err := tx.GetEvent(ctx, c.OwnerID, c.EventID)
	if err != nil {
		return Decision{}, err
	}
	d := Decide(ev, c, DecideParams{ShiftMinutes: a.ShiftMinutes, AutopilotEnabled: profile.AutopilotEnabled})
	if c.DecidedAction == ActionUndo && d.Action != DecisionNotifyOnly {
		d.RequiresConsent = true
	}
	now := a.Now.now()
	conf := d.Confidence

	switch {
	case d.Action == DecisionNotifyOnly:
		_, err = a.Scheduler.notify(ctx, tx, NotifyOptions{
			OwnerID:   c.OwnerID,
			Channel:   models.ChannelConflicts,
			Title:     fmt.Sprintf("%q overlaps %s", ev.Title, c.Prayer),
			Body:      fmt.Sprintf("%d min of the %s window is taken.", c.OverlapMinutes, c.Prayer),
			Payload:   map[string]any{"type": PayloadConflictNotice, "conflict_id": c.ID.String(), "confidence": conf},
			DedupeKey: "notify:" + c.ID.String(),
		})
		if err != nil {
			return Decision{}, err
		}
		metrics.AutopilotDecisions.WithLabelValues(d.Action, "notified").Inc()
		return d, nil

	case d.RequiresConsent:
		c.Status = models.StatusSuggested
		c.Suggestion = d.Patch
		c.RequiresConsent = true
		c.Confidence = &conf
		c.UpdatedAt = now
		if err := tx.UpdateConflict(ctx, c); err != nil {
			return Decision{}, err
		}
		_, err = a.Scheduler.notify(ctx, tx, NotifyOptions{
			OwnerID: c.OwnerID,
			Channel: models.ChannelConflicts,
			Title:   fmt.Sprintf("Suggestion for %q", ev.Title),
			Body:    describePatch(d.Patch, c),
			Payload: map[string]any{
				"type":        PayloadAutopilotSuggest,
				"conflict_id": c.ID.String(),
				"action":      d.Action,
				"confidence":  conf,
				"patch":       d.Patch,
			},
			DedupeKey: "suggest:" + c.ID.String(),
		})
		if err != nil {
			return Decision{}, err
		}
		metrics.AutopilotDecisions.WithLabelValues(d.Action, "suggested").Inc()
		return d, nil
	}

	before := ev.Snapshot()
	changed, err := d.Patch.Apply(ev)
	if err != nil {
		return Decision{}, err
	}
	ev.MarkDirty(now, changed...)
	if err := tx.UpdateEvent(ctx, ev); err != nil {
		return Decision{}, fmt.Errorf("update event: %w", err)
	}
	action := &models.AutopilotAction{
		ID:          uuid.New(),
		OwnerID:     c.OwnerID,
		ConflictID:  c.ID,
		EventID:     ev.ID,
		Action:      d.Action,
		Confidence:  conf,
		PatchBefore: before,
		PatchAfter:  ev.Snapshot(),
		UndoToken:   uuid.New(),
		CreatedAt:   now,
	}
	if err := tx.InsertAutopilotAction(ctx, action); err != nil {
		return Decision{}, fmt.Errorf("insert autopilot action: %w", err)
	}

	c.Status = models.StatusAutoApplied
	c.AppliedPatch = d.Patch
	c.RequiresConsent = false
	c.Confidence = &conf
	decide(c, ActionAuto, now)
	if err := tx.UpdateConflict(ctx, c); err != nil {
		return Decision{}, err
	}

	_, err = a.Scheduler.notify(ctx, tx, NotifyOptions{
		OwnerID: c.OwnerID,
		Channel: models.ChannelConflicts,
		Title:   fmt.Sprintf("Autopilot adjusted %q", ev.Title),
		Body:    describePatch(d.Patch, c),
		Payload: map[string]any{
			"type":        PayloadAutopilotApplied,
			"conflict_id": c.ID.String(),
			"action":      d.Action,
			"confidence":  conf,
			"undo_token":  action.UndoToken.String(),
		},
		DedupeKey: "applied:" + action.ID.String(),
	})
	if err != nil {
		return Decision{}, err
	}

	d.Applied = true
	d.UndoToken = &action.UndoToken
	metrics.AutopilotDecisions.WithLabelValues(d.Action, "applied").Inc()
	return d, nil
}

func describePatch(p *models.Patch, c *models.Conflict) string {
	switch p.Type {
	case models.PatchShift:
		return fmt.Sprintf("Move by %d min to clear %s.", p.ShiftMinutes, c.Prayer)
	case models.PatchMarkFree:
		return fmt.Sprintf("Mark as free/tentative during %s.", c.Prayer)
	default:
		return fmt.Sprintf("Apply %s to clear %s.", p.Type, c.Prayer)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
