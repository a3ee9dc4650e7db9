package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultIdempotencyTTL = 24 * time.Hour

type IdempotencyState string

const (
	IdempotencyProcessing IdempotencyState = "PROCESSING"
	IdempotencyCompleted  IdempotencyState = "COMPLETED"
)

// IdempotencyRecord is what a client retry with the same key gets to see.
// Fingerprint identifies the request body the key was first used with.
type IdempotencyRecord struct {
	State       IdempotencyState `json:"state"`
	Fingerprint string           `json:"fingerprint"`
	StatusCode  int              `json:"status_code,omitempty"`
	Body        json.RawMessage  `json:"body,omitempty"`
}

// Matches reports whether a retried request carries the same body.
func (r *IdempotencyRecord) Matches(fingerprint string) bool {
	return r.Fingerprint == fingerprint
}

func IdempotencyKey(scope, key string) string {
	return fmt.Sprintf("idempotency-key:%s:%s", scope, key)
}

// IdempotencyStore guards request retries at the ingress boundary.
type IdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewIdempotencyStore(client redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Begin reserves key for a new request. When the key is already taken it
// returns the existing record and false.
func (s *IdempotencyStore) Begin(ctx context.Context, scope, key, fingerprint string) (*IdempotencyRecord, bool, error) {
	data, err := json.Marshal(IdempotencyRecord{State: IdempotencyProcessing, Fingerprint: fingerprint})
	if err != nil {
		return nil, false, err
	}

	redisKey := IdempotencyKey(scope, key)
	acquired, err := s.client.SetNX(ctx, redisKey, data, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if acquired {
		return nil, true, nil
	}

	existing, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return s.Begin(ctx, scope, key, fingerprint)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}

	var record IdempotencyRecord
	if err := json.Unmarshal(existing, &record); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &record, false, nil
}

// Complete stores the final response for key.
func (s *IdempotencyStore) Complete(ctx context.Context, scope, key, fingerprint string, statusCode int, body []byte) error {
	data, err := json.Marshal(IdempotencyRecord{
		State:       IdempotencyCompleted,
		Fingerprint: fingerprint,
		StatusCode:  statusCode,
		Body:        body,
	})
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, IdempotencyKey(scope, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops the reservation so the client may retry a failed request.
func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	return s.client.Del(ctx, IdempotencyKey(scope, key)).Err()
}
