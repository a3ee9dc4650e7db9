package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	// Skip if no Redis available (integration test)
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	return client
}

func TestPayloadCache_NilClientAlwaysMisses(t *testing.T) {
	c := NewPayloadCache(nil, 0, nil)

	c.SetIfAbsent(context.Background(), "evt_1", json.RawMessage(`{"a":1}`))
	if _, ok := c.Get(context.Background(), "evt_1"); ok {
		t.Error("nil-client cache should always miss")
	}
}

func TestPayloadCache_SetIfAbsent(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	client.Del(ctx, PayloadKey("evt_cache_test"))
	defer client.Del(ctx, PayloadKey("evt_cache_test"))

	c := NewPayloadCache(client, time.Minute, nil)

	if _, ok := c.Get(ctx, "evt_cache_test"); ok {
		t.Fatal("expected miss before set")
	}

	c.SetIfAbsent(ctx, "evt_cache_test", json.RawMessage(`{"v":1}`))
	c.SetIfAbsent(ctx, "evt_cache_test", json.RawMessage(`{"v":2}`))

	got, ok := c.Get(ctx, "evt_cache_test")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if string(got) != `{"v":1}` {
		t.Errorf("Get() = %s, want first writer's payload", got)
	}

	ttl := client.TTL(ctx, PayloadKey("evt_cache_test")).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}

func TestPayloadCache_UnreachableRedisFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewPayloadCache(client, time.Minute, nil)
	c.SetIfAbsent(context.Background(), "evt_1", json.RawMessage(`{}`))

	if _, ok := c.Get(context.Background(), "evt_1"); ok {
		t.Error("expected miss when redis is unreachable")
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("app_1", "abc"); got != "idempotency-key:app_1:abc" {
		t.Errorf("IdempotencyKey() = %s", got)
	}
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := IdempotencyKey("app_test", "req-1")
	client.Del(ctx, key)
	defer client.Del(ctx, key)

	store := NewIdempotencyStore(client, time.Minute)

	record, acquired, err := store.Begin(ctx, "app_test", "req-1", "fp-1")
	if err != nil || !acquired || record != nil {
		t.Fatalf("Begin() = %v, %v, %v; want nil, true, nil", record, acquired, err)
	}

	record, acquired, err = store.Begin(ctx, "app_test", "req-1", "fp-1")
	if err != nil || acquired {
		t.Fatalf("second Begin() acquired = %v, err = %v", acquired, err)
	}
	if record.State != IdempotencyProcessing {
		t.Errorf("State = %s, want PROCESSING", record.State)
	}

	if err := store.Complete(ctx, "app_test", "req-1", "fp-1", 202, []byte(`{"uid":"x"}`)); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	record, _, _ = store.Begin(ctx, "app_test", "req-1", "fp-1")
	if record.State != IdempotencyCompleted || record.StatusCode != 202 {
		t.Errorf("record = %+v, want COMPLETED 202", record)
	}
	if string(record.Body) != `{"uid":"x"}` {
		t.Errorf("Body = %s", record.Body)
	}

	if err := store.Release(ctx, "app_test", "req-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, acquired, _ := store.Begin(ctx, "app_test", "req-1", "fp-1"); !acquired {
		t.Error("key should be free after Release")
	}
}
