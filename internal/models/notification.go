package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel groups notifications for priority and batching.
type Channel string

const (
	ChannelCalendar  Channel = "calendar_events"
	ChannelPrayer    Channel = "prayer_times"
	ChannelConflicts Channel = "conflicts"
	ChannelTasks     Channel = "tasks_reminders"
	ChannelHealth    Channel = "health_activity"
	ChannelDigest    Channel = "system_digest"
)

// Priority of a channel.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
	PriorityMin     Priority = "min"
)

// ChannelPriority is the static channel classification. Unknown channels
// are treated as default.
var ChannelPriority = map[Channel]Priority{
	ChannelCalendar:  PriorityHigh,
	ChannelPrayer:    PriorityHigh,
	ChannelConflicts: PriorityDefault,
	ChannelTasks:     PriorityDefault,
	ChannelHealth:    PriorityLow,
	ChannelDigest:    PriorityMin,
}

// PriorityOf returns the priority of c.
func PriorityOf(c Channel) Priority {
	if p, ok := ChannelPriority[c]; ok {
		return p
	}
	return PriorityDefault
}

// NotificationStatus tracks a notification from enqueue to delivery.
type NotificationStatus string

const (
	// NotifyBatched rows wait in their channel batch until the next flush.
	NotifyBatched NotificationStatus = "batched"
	// NotifyMerged rows were folded into a summary notification.
	NotifyMerged NotificationStatus = "merged"
	// NotifyScheduled rows are due for the dispatcher at ScheduledAt.
	NotifyScheduled  NotificationStatus = "scheduled"
	NotifySent       NotificationStatus = "sent"
	NotifyFailed     NotificationStatus = "failed"
	NotifySuppressed NotificationStatus = "suppressed"
)

// Notification is a user-facing alert.
type Notification struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	Channel         Channel
	Priority        Priority
	Title           string
	Body            string
	Payload         map[string]any
	Status          NotificationStatus
	ScheduledAt     time.Time
	ReleasedAt      *time.Time
	DeliveredAt     *time.Time
	MuteWhilePrayer bool
	DedupeKey       string
	ParentID        *uuid.UUID
	Reason          string
	Attempts        int
	CreatedAt       time.Time
}
