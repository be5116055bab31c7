package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
)

// Error codes of the structured result.
const (
	codeNotFound          = "NOT_FOUND"
	codeBadRequest        = "BAD_REQUEST"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeUnauthenticated   = "UNAUTHENTICATED"
	codeServerError       = "SERVER_ERROR"
)

type errCode struct {
	status int
	code   string
}

type envelope struct {
	OK      bool   `json:"ok"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	// Replayed marks a result returned from the idempotency store.
	Replayed bool `json:"replayed,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Write response failed", "error", err)
	}
}

func writeOK(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Result: result})
}

func writeError(w http.ResponseWriter, c errCode, details string) {
	writeJSON(w, c.status, envelope{Error: c.code, Details: details})
}

// classify maps service errors onto the structured codes.
func classify(err error) errCode {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return errCode{http.StatusNotFound, codeNotFound}
	case errors.Is(err, models.ErrInvalidTransition):
		return errCode{http.StatusConflict, codeInvalidTransition}
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrNoSuggestion):
		return errCode{http.StatusBadRequest, codeBadRequest}
	case errors.Is(err, models.ErrUnauthenticated):
		return errCode{http.StatusUnauthorized, codeUnauthenticated}
	}
	return errCode{http.StatusInternalServerError, codeServerError}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	c := classify(err)
	if c.code == codeServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "owner", ownerFrom(r.Context()), "error", err)
		writeError(w, c, "")
		return
	}
	writeError(w, c, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

// parseInstant accepts RFC 3339 timestamps and bare dates (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse time %q", models.ErrInvalidInput, s)
}

type conflictView struct {
	ID              uuid.UUID             `json:"id"`
	EventID         uuid.UUID             `json:"event_id"`
	Date            string                `json:"date"`
	Prayer          prayer.Name           `json:"prayer"`
	Kind            models.ConflictKind   `json:"kind"`
	PrayerStart     time.Time             `json:"prayer_start"`
	PrayerEnd       time.Time             `json:"prayer_end"`
	OverlapMinutes  int                   `json:"overlap_minutes"`
	Severity        models.Severity       `json:"severity"`
	Status          models.ConflictStatus `json:"status"`
	Suggestion      *models.Patch         `json:"suggestion,omitempty"`
	AppliedPatch    *models.Patch         `json:"applied_patch,omitempty"`
	RequiresConsent bool                  `json:"requires_consent"`
	Confidence      *float64              `json:"confidence,omitempty"`
	DecidedAction   string                `json:"decided_action,omitempty"`
	DecidedAt       *time.Time            `json:"decided_at,omitempty"`
	SnoozeUntil     *time.Time            `json:"snooze_until,omitempty"`
}

func viewConflicts(list []models.Conflict) []conflictView {
	out := make([]conflictView, 0, len(list))
	for _, c := range list {
		out = append(out, conflictView{
			ID:              c.ID,
			EventID:         c.EventID,
			Date:            c.Date.Format(time.DateOnly),
			Prayer:          c.Prayer,
			Kind:            c.Kind,
			PrayerStart:     c.PrayerStart,
			PrayerEnd:       c.PrayerEnd,
			OverlapMinutes:  c.OverlapMinutes,
			Severity:        c.Severity,
			Status:          c.Status,
			Suggestion:      c.Suggestion,
			AppliedPatch:    c.AppliedPatch,
			RequiresConsent: c.RequiresConsent,
			Confidence:      c.Confidence,
			DecidedAction:   c.DecidedAction,
			DecidedAt:       c.DecidedAt,
			SnoozeUntil:     c.SnoozeUntil,
		})
	}
	return out
}
