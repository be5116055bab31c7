package models

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/prayer"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNoSuggestion      = errors.New("conflict has no suggestion")
)

// Profile holds per-owner preferences read by the core.
type Profile struct {
	OwnerID  uuid.UUID
	Timezone string

	CalendarWriteback bool
	AutopilotEnabled  bool

	DNDEnabled bool
	DNDStart   string
	DNDEnd     string

	// Quiet hours for batched notifications. Empty means the service default.
	QuietStart string
	QuietEnd   string

	RespectPrayer    bool
	DisabledChannels []Channel
	Buffers          prayer.Buffers

	TelegramChatID int64
	APIToken       string
}

// Location resolves the profile timezone, defaulting to UTC.
func (p *Profile) Location() *time.Location {
	if p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ChannelEnabled reports whether the owner has not opted out of c.
func (p *Profile) ChannelEnabled(c Channel) bool {
	for _, d := range p.DisabledChannels {
		if d == c {
			return false
		}
	}
	return true
}

// ExternalAccount stores OAuth credentials for an external calendar provider.
type ExternalAccount struct {
	OwnerID      uuid.UUID
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IdempotencyRecord is the stored result of a client command keyed by a
// caller-supplied key.
type IdempotencyRecord struct {
	OwnerID   uuid.UUID
	Key       string
	Operation string
	Result    []byte
	CreatedAt time.Time
}
