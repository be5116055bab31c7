package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/natindo/PrayerVigil/internal/models"
)

const (
	Provider        = "google"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	CalendarScope   = "https://www.googleapis.com/auth/calendar.events"

	// refreshSkew refreshes tokens that expire within this margin.
	refreshSkew = 60 * time.Second
)

// AccountStore loads and saves OAuth credentials.
type AccountStore interface {
	GetExternalAccount(ctx context.Context, owner uuid.UUID, provider string) (*models.ExternalAccount, error)
	SaveExternalAccount(ctx context.Context, a *models.ExternalAccount) error
}

// NewConfig returns the OAuth client configuration for the refresh grant.
func NewConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{CalendarScope},
	}
}

// TokenSource hands out access tokens per owner, refreshing and persisting
// them when they are about to expire.
type TokenSource struct {
	Store  AccountStore
	Config *oauth2.Config
	HTTP   *http.Client
	Now    func() time.Time
}

// AccessToken returns a valid access token for owner.
func (s *TokenSource) AccessToken(ctx context.Context, owner uuid.UUID) (string, error) {
	acc, err := s.Store.GetExternalAccount(ctx, owner, Provider)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", errors.New("no google account linked")
		}
		return "", fmt.Errorf("load google account: %w", err)
	}
	now := s.now()
	if acc.AccessToken != "" && now.Add(refreshSkew).Before(acc.ExpiresAt) {
		return acc.AccessToken, nil
	}
	if acc.RefreshToken == "" {
		return "", errors.New("google access token expired and no refresh token stored")
	}

	if s.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTP)
	}
	tok, err := s.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh google token: %w", err)
	}

	acc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.RefreshToken = tok.RefreshToken
	}
	acc.ExpiresAt = tok.Expiry
	if acc.ExpiresAt.IsZero() {
		acc.ExpiresAt = now.Add(time.Hour)
	}
	if err := s.Store.SaveExternalAccount(ctx, acc); err != nil {
		return "", fmt.Errorf("save refreshed google token: %w", err)
	}
	return acc.AccessToken, nil
}

func (s *TokenSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
