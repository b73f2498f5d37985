package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradepost-market/tradepost-backend/pkg/redis"
)

// IdempotencyGuard is a redis fast-path in front of the webhook audit log. It
// only ever runs on verified deliveries; the audit log stays authoritative.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{
		store: store,
		ttl:   ttl,
	}, nil
}

// CheckAndMark reports whether the event was already seen within the TTL,
// marking it seen otherwise.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, provider, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	key := g.store.IdempotencyKey("webhook:"+provider, eventID)
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

// Delete clears the mark so the gateway's retry is not swallowed after a
// processing failure.
func (g *IdempotencyGuard) Delete(ctx context.Context, provider, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	key := g.store.IdempotencyKey("webhook:"+provider, eventID)
	return g.store.Del(ctx, key)
}
