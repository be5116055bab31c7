package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
)

// Commands executes client commands at most once per idempotency key.
type Commands struct {
	Store Store
	Now   Clock
}

// Execute runs fn and stores its JSON result under key. A replay of the same
// key returns the stored result with replayed set and does not call fn.
// Failed commands are not stored, so they can be retried with the same key.
// An empty key always executes.
func (c *Commands) Execute(ctx context.Context, owner uuid.UUID, key, op string, fn func(context.Context) (any, error)) (result json.RawMessage, replayed bool, err error) {
	if key == "" {
		v, err := fn(ctx)
		if err != nil {
			return nil, false, err
		}
		out, err := json.Marshal(v)
		return out, false, err
	}

	prior, err := c.Store.GetIdempotency(ctx, owner, key)
	switch {
	case err == nil:
		if prior.Operation != op {
			return nil, false, fmt.Errorf("%w: idempotency key already used for %s", models.ErrInvalidInput, prior.Operation)
		}
		return prior.Result, true, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, false, fmt.Errorf("load idempotency record: %w", err)
	}

	v, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("encode result: %w", err)
	}
	rec := &models.IdempotencyRecord{
		OwnerID:   owner,
		Key:       key,
		Operation: op,
		Result:    out,
		CreatedAt: c.Now.now(),
	}
	if err := c.Store.SaveIdempotency(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("save idempotency record: %w", err)
	}
	return out, false, nil
}
