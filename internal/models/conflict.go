package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/prayer"
)

// ConflictStatus is the lifecycle state of a Conflict.
type ConflictStatus string

const (
	StatusOpen        ConflictStatus = "open"
	StatusSuggested   ConflictStatus = "suggested"
	StatusSnoozed     ConflictStatus = "snoozed"
	StatusIgnored     ConflictStatus = "ignored"
	StatusResolved    ConflictStatus = "resolved"
	StatusAutoApplied ConflictStatus = "auto_applied"
)

// Terminal reports whether the status only leaves through reopen or undo.
func (s ConflictStatus) Terminal() bool {
	return s == StatusResolved || s == StatusIgnored || s == StatusAutoApplied
}

// Severity grades how much of the protected buffer an event eats.
type Severity string

const (
	SeveritySoft Severity = "soft"
	SeverityHard Severity = "hard"
)

// SeverityFor returns hard when the overlap reaches bufferMinutes.
func SeverityFor(overlapMinutes, bufferMinutes int) Severity {
	if overlapMinutes >= bufferMinutes {
		return SeverityHard
	}
	return SeveritySoft
}

// ConflictKind distinguishes what the event collides with.
type ConflictKind string

const (
	KindPrayer ConflictKind = "prayer"
	KindEvent  ConflictKind = "event"
)

// Conflict is an overlap between one event and one buffered prayer window.
// (OwnerID, EventID, Date, Prayer) is unique.
type Conflict struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	EventID uuid.UUID
	// Date is the local date of the prayer, encoded as midnight UTC.
	Date   time.Time
	Prayer prayer.Name
	Kind   ConflictKind

	PrayerStart    time.Time
	PrayerEnd      time.Time
	OverlapMinutes int
	Severity       Severity

	Status          ConflictStatus
	Suggestion      *Patch
	AppliedPatch    *Patch
	RequiresConsent bool
	Confidence      *float64
	DecidedAction   string
	DecidedAt       *time.Time
	SnoozeUntil     *time.Time
	// PreImage is the event as it was before accept, used by undo.
	PreImage *EventSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClearDecision resets the audit fields when a conflict is reopened.
func (c *Conflict) ClearDecision() {
	c.DecidedAction = ""
	c.DecidedAt = nil
	c.SnoozeUntil = nil
	c.AppliedPatch = nil
	c.PreImage = nil
	c.RequiresConsent = false
	c.Confidence = nil
}

// AutopilotAction is the immutable audit and undo record written when the
// autopilot changes an event without asking.
type AutopilotAction struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	ConflictID  uuid.UUID
	EventID     uuid.UUID
	Action      string
	Confidence  float64
	PatchBefore EventSnapshot
	PatchAfter  EventSnapshot
	UndoToken   uuid.UUID
	CreatedAt   time.Time
}
