package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
)

// Event transparency and status values, as understood by the calendar provider.
const (
	TransparencyOpaque      = "opaque"
	TransparencyTransparent = "transparent"

	EventConfirmed = "confirmed"
	EventTentative = "tentative"
	EventCancelled = "cancelled"

	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
)

// Push states recorded in Event.LastPushStatus and PushLog.Status.
const (
	PushOK              = "ok"
	PushFailed          = "failed"
	PushFailedPermanent = "failed_permanent"
)

// Fields tracked in Event.DirtyFields.
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldStart        = "start"
	FieldEnd          = "end"
	FieldTransparency = "transparency"
	FieldStatus       = "status"
)

// Event хранит данные о событии в календаре владельца.
type Event struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time

	Transparency string
	Status       string

	// Context signals read by the autopilot scorer.
	OrganizerIsSelf bool
	Flexible        bool
	MustAttend      bool
	Importance      string
	Attendees       int

	ExternalSource     string
	ExternalEventID    string
	ExternalCalendarID string

	PendingPush    bool
	RetryCount     int
	NextRetryAt    time.Time
	LastPushStatus string
	LastPushAt     *time.Time
	LastError      string
	DirtyFields    []string
	Version        int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Range returns the event interval [StartTime, EndTime).
func (e *Event) Range() interval.Range {
	return interval.New(e.StartTime, e.EndTime)
}

// Linked reports whether the event is bound to an external calendar event.
func (e *Event) Linked() bool {
	return e.ExternalEventID != "" && e.ExternalCalendarID != ""
}

// MarkDirty records local changes to fields and flags the event for
// write-back. The retry sweep only picks up linked events.
func (e *Event) MarkDirty(now time.Time, fields ...string) {
	for _, f := range fields {
		if !containsString(e.DirtyFields, f) {
			e.DirtyFields = append(e.DirtyFields, f)
		}
	}
	if !e.PendingPush {
		e.NextRetryAt = now
	}
	e.PendingPush = true
	e.UpdatedAt = now
}

// Snapshot captures the mutable schedule fields of the event.
func (e *Event) Snapshot() EventSnapshot {
	return EventSnapshot{
		Title:        e.Title,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		Transparency: e.Transparency,
		Status:       e.Status,
	}
}

// Restore applies a snapshot back onto the event and marks every field it
// changes as dirty. It reports whether anything changed.
func (e *Event) Restore(s EventSnapshot, now time.Time) bool {
	var changed []string
	if e.Title != s.Title {
		e.Title = s.Title
		changed = append(changed, FieldTitle)
	}
	if !e.StartTime.Equal(s.StartTime) {
		e.StartTime = s.StartTime
		changed = append(changed, FieldStart)
	}
	if !e.EndTime.Equal(s.EndTime) {
		e.EndTime = s.EndTime
		changed = append(changed, FieldEnd)
	}
	if e.Transparency != s.Transparency {
		e.Transparency = s.Transparency
		changed = append(changed, FieldTransparency)
	}
	if e.Status != s.Status {
		e.Status = s.Status
		changed = append(changed, FieldStatus)
	}
	if len(changed) == 0 {
		return false
	}
	e.MarkDirty(now, changed...)
	return true
}

// EventSnapshot is a pre- or post-image of an event's schedule fields.
type EventSnapshot struct {
	Title        string    `json:"title"`
	StartTime    time.Time `json:"starts_at"`
	EndTime      time.Time `json:"ends_at"`
	Transparency string    `json:"transparency,omitempty"`
	Status       string    `json:"status,omitempty"`
	// SplitEventID is the event created by a split, if any.
	SplitEventID *uuid.UUID `json:"split_event_id,omitempty"`
}

// PushLog is one write-back attempt. Rows are append-only.
type PushLog struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	EventID   uuid.UUID
	Status    string
	Error     string
	CreatedAt time.Time
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
