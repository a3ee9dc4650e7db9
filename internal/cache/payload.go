// Package cache keeps hot data in Redis: event payloads shared between the
// fan-out and dispatch stages, and ingress idempotency records.
//
// Payload caching is an optimisation only. Redis failures are logged and the
// caller falls back to the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPayloadTTL = time.Hour

func PayloadKey(eventID string) string {
	return "event:" + eventID
}

type PayloadCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewPayloadCache returns a cache backed by client. A nil client gives a cache
// that always misses.
func NewPayloadCache(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *PayloadCache {
	if ttl <= 0 {
		ttl = DefaultPayloadTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *PayloadCache) Get(ctx context.Context, eventID string) (json.RawMessage, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, PayloadKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("payload cache read failed", "event_id", eventID, "error", err)
		return nil, false
	}
	return json.RawMessage(data), true
}

// SetIfAbsent stores payload unless the key already exists. The first writer wins.
func (c *PayloadCache) SetIfAbsent(ctx context.Context, eventID string, payload json.RawMessage) {
	if c == nil || c.client == nil || len(payload) == 0 {
		return
	}

	if err := c.client.SetNX(ctx, PayloadKey(eventID), []byte(payload), c.ttl).Err(); err != nil {
		c.logger.Warn("payload cache write failed", "event_id", eventID, "error", err)
	}
}
