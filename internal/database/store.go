package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store реализует services.Store поверх PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

var _ services.Store = (*Store)(nil)

// NewStore оборачивает пул соединений.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// InTx runs fn inside one transaction. Calls made on an already
// transactional store join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(services.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func affected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// jsonArg encodes v for a JSONB column; nil pointers become NULL.
func jsonArg[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// jsonScan decodes a nullable JSONB column.
func jsonScan[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode jsonb: %w", err)
	}
	return &v, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const profileColumns = `owner_id, timezone, calendar_writeback, autopilot_enabled,
	dnd_enabled, dnd_start, dnd_end, quiet_start, quiet_end, respect_prayer,
	disabled_channels, buffers, telegram_chat_id, COALESCE(api_token, '')`

func scanProfile(row scanner) (*models.Profile, error) {
	var (
		p        models.Profile
		channels []string
		buffers  []byte
	)
	err := row.Scan(&p.OwnerID, &p.Timezone, &p.CalendarWriteback, &p.AutopilotEnabled,
		&p.DNDEnabled, &p.DNDStart, &p.DNDEnd, &p.QuietStart, &p.QuietEnd, &p.RespectPrayer,
		&channels, &buffers, &p.TelegramChatID, &p.APIToken)
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		p.DisabledChannels = append(p.DisabledChannels, models.Channel(c))
	}
	b, err := jsonScan[prayer.Buffers](buffers)
	if err != nil {
		return nil, err
	}
	if b != nil {
		p.Buffers = *b
	}
	return &p, nil
}

func (s *Store) GetProfile(ctx context.Context, owner uuid.UUID) (*models.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE owner_id = $1`, owner))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := s.db.Query(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SaveProfile вставляет или обновляет профиль владельца.
func (s *Store) SaveProfile(ctx context.Context, p *models.Profile) error {
	channels := make([]string, 0, len(p.DisabledChannels))
	for _, c := range p.DisabledChannels {
		channels = append(channels, string(c))
	}
	var buffers []byte
	if len(p.Buffers) > 0 {
		var err error
		if buffers, err = json.Marshal(p.Buffers); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO profiles (owner_id, timezone, calendar_writeback, autopilot_enabled,
			dnd_enabled, dnd_start, dnd_end, quiet_start, quiet_end, respect_prayer,
			disabled_channels, buffers, telegram_chat_id, api_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (owner_id) DO UPDATE SET
			timezone = EXCLUDED.timezone,
			calendar_writeback = EXCLUDED.calendar_writeback,
			autopilot_enabled = EXCLUDED.autopilot_enabled,
			dnd_enabled = EXCLUDED.dnd_enabled,
			dnd_start = EXCLUDED.dnd_start,
			dnd_end = EXCLUDED.dnd_end,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			respect_prayer = EXCLUDED.respect_prayer,
			disabled_channels = EXCLUDED.disabled_channels,
			buffers = EXCLUDED.buffers,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			api_token = EXCLUDED.api_token`,
		p.OwnerID, p.Timezone, p.CalendarWriteback, p.AutopilotEnabled,
		p.DNDEnabled, p.DNDStart, p.DNDEnd, p.QuietStart, p.QuietEnd, p.RespectPrayer,
		channels, buffers, p.TelegramChatID, nullString(p.APIToken))
	return err
}

func (s *Store) OwnerByAPIToken(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, models.ErrNotFound
	}
	var owner uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT owner_id FROM profiles WHERE api_token = $1`, token).Scan(&owner)
	return owner, notFound(err)
}

func (s *Store) OwnerByTelegramChat(ctx context.Context, chatID int64) (uuid.UUID, error) {
	var owner uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT owner_id FROM profiles WHERE telegram_chat_id = $1 AND telegram_chat_id <> 0 LIMIT 1
	`, chatID).Scan(&owner)
	return owner, notFound(err)
}

func (s *Store) LinkTelegramChat(ctx context.Context, owner uuid.UUID, chatID int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE profiles SET telegram_chat_id = $2 WHERE owner_id = $1`, owner, chatID)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (s *Store) GetExternalAccount(ctx context.Context, owner uuid.UUID, provider string) (*models.ExternalAccount, error) {
	a := models.ExternalAccount{OwnerID: owner, Provider: provider}
	err := s.db.QueryRow(ctx, `
		SELECT access_token, refresh_token, expires_at
		FROM external_accounts WHERE owner_id = $1 AND provider = $2
	`, owner, provider).Scan(&a.AccessToken, &a.RefreshToken, &a.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) SaveExternalAccount(ctx context.Context, a *models.ExternalAccount) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO external_accounts (owner_id, provider, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at
	`, a.OwnerID, a.Provider, a.AccessToken, a.RefreshToken, a.ExpiresAt)
	return err
}

func (s *Store) GetIdempotency(ctx context.Context, owner uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	r := models.IdempotencyRecord{OwnerID: owner, Key: key}
	err := s.db.QueryRow(ctx, `
		SELECT operation, result, created_at FROM idempotency_keys WHERE owner_id = $1 AND key = $2
	`, owner, key).Scan(&r.Operation, &r.Result, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// SaveIdempotency keeps the first record stored for a key.
func (s *Store) SaveIdempotency(ctx context.Context, r *models.IdempotencyRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_keys (owner_id, key, operation, result, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, key) DO NOTHING
	`, r.OwnerID, r.Key, r.Operation, r.Result, r.CreatedAt)
	return err
}
