package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/domain"
)

var testPayload = json.RawMessage(`{"user":{"id":"u_1"}}`)

type testEnv struct {
	eventTypes *fakeEventTypes
	events     *fakeEvents
	routings   *fakeRoutings
	attempts   *fakeAttempts
	payloads   *fakePayloads
	dispatcher *fakeDispatcher
	retries    *fakeRetries
	handler    *Handler
}

func testEndpoints(n int) []*domain.Endpoint {
	eps := make([]*domain.Endpoint, n)
	for i := range eps {
		eps[i] = &domain.Endpoint{
			ID:            fmt.Sprintf("ep_%d", i+1),
			ApplicationID: "app_1",
			URL:           fmt.Sprintf("https://hooks.example.com/%d", i+1),
			Method:        "POST",
			Headers:       map[string]string{"X-Endpoint": fmt.Sprint(i + 1)},
			Secret:        fmt.Sprintf("secret_%d", i+1),
			IsActive:      true,
		}
	}
	return eps
}

func newTestEnv(t *testing.T, endpoints []*domain.Endpoint, opts ...HandlerOption) *testEnv {
	t.Helper()
	env := &testEnv{
		eventTypes: &fakeEventTypes{types: map[string]*domain.EventType{
			"app_1/user.created": {ID: "et_1", ApplicationID: "app_1", Name: "user.created"},
		}},
		events: &fakeEvents{events: map[string]*domain.Event{
			"evt_1": {ID: "evt_1", UID: "uid_1", ApplicationID: "app_1", EventType: "user.created", Payload: testPayload},
		}},
		routings:   &fakeRoutings{endpoints: map[string][]*domain.Endpoint{"et_1": endpoints}},
		attempts:   newFakeAttempts(endpoints...),
		payloads:   &fakePayloads{},
		dispatcher: &fakeDispatcher{failURLs: map[string]bool{}},
		retries:    &fakeRetries{},
	}
	opts = append([]HandlerOption{WithLogger(discardLogger())}, opts...)
	env.handler = NewHandler(env.eventTypes, env.events, env.routings, env.attempts,
		env.payloads, env.dispatcher, env.retries, opts...)
	return env
}

func testMessage() broker.FanoutMessage {
	return broker.FanoutMessage{
		EventID:       "evt_1",
		EventUID:      "uid_1",
		ApplicationID: "app_1",
		EventType:     "user.created",
	}
}

func TestHandle_CreatesAndEnqueuesOneAttemptPerEndpoint(t *testing.T) {
	env := newTestEnv(t, testEndpoints(3))

	if err := env.handler.Handle(context.Background(), testMessage(), nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := env.attempts.countByStatus(domain.AttemptStatusEnqueued); got != 3 {
		t.Errorf("enqueued attempts = %d, want 3", got)
	}
	if len(env.dispatcher.published) != 3 {
		t.Fatalf("published = %d, want 3", len(env.dispatcher.published))
	}

	byURL := make(map[string]broker.DispatchMessage)
	for _, m := range env.dispatcher.published {
		byURL[m.URL] = m
	}
	m, ok := byURL["https://hooks.example.com/2"]
	if !ok {
		t.Fatal("missing dispatch for endpoint 2")
	}
	if m.EventID != "evt_1" || m.EventUID != "uid_1" || m.Secret != "secret_2" || m.Headers["X-Endpoint"] != "2" {
		t.Errorf("unexpected dispatch message: %+v", m)
	}
	if m.AttemptID == "" {
		t.Error("dispatch message should carry the attempt id")
	}

	for _, a := range env.attempts.rows {
		if a.IdempotencyKey != domain.IdempotencyKey(a.EndpointID, "evt_1") {
			t.Errorf("idempotency key = %q", a.IdempotencyKey)
		}
	}

	if string(env.payloads.data["evt_1"]) != string(testPayload) {
		t.Errorf("payload cache = %s, want event payload", env.payloads.data["evt_1"])
	}
	if len(env.retries.calls) != 0 {
		t.Errorf("expected no retry, got %d", len(env.retries.calls))
	}
}

func TestHandle_RedeliveryDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t, testEndpoints(2))

	for i := 0; i < 3; i++ {
		if err := env.handler.Handle(context.Background(), testMessage(), nil); err != nil {
			t.Fatalf("Handle() run %d error = %v", i, err)
		}
	}

	if len(env.attempts.rows) != 2 {
		t.Errorf("attempt rows = %d, want 2", len(env.attempts.rows))
	}
	if len(env.dispatcher.published) != 2 {
		t.Errorf("published = %d, want 2 (already enqueued attempts are not republished)", len(env.dispatcher.published))
	}
}

func TestHandle_PartialFailureRetriesOnlyWaiting(t *testing.T) {
	endpoints := testEndpoints(3)
	env := newTestEnv(t, endpoints)
	env.dispatcher.failURLs[endpoints[1].URL] = true

	if err := env.handler.Handle(context.Background(), testMessage(), nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := env.attempts.countByStatus(domain.AttemptStatusEnqueued); got != 2 {
		t.Errorf("enqueued = %d, want 2", got)
	}
	if got := env.attempts.countByStatus(domain.AttemptStatusWaiting); got != 1 {
		t.Errorf("waiting = %d, want 1", got)
	}
	if len(env.retries.calls) != 1 {
		t.Fatalf("retries = %d, want 1", len(env.retries.calls))
	}
	call := env.retries.calls[0]
	if call.msg != testMessage() {
		t.Errorf("retry copy = %+v, want original message", call.msg)
	}
	if call.ttl != 30*time.Second || call.retryCount != 1 || call.priority != 10 {
		t.Errorf("retry call = %+v, want ttl 30s, count 1, priority 10", call)
	}

	// The retried message only publishes the attempt left behind.
	delete(env.dispatcher.failURLs, endpoints[1].URL)
	if err := env.handler.Handle(context.Background(), call.msg, amqp.Table{broker.RetryCountHeader: int32(1)}); err != nil {
		t.Fatalf("retry Handle() error = %v", err)
	}

	if got := env.attempts.countByStatus(domain.AttemptStatusEnqueued); got != 3 {
		t.Errorf("enqueued after retry = %d, want 3", got)
	}
	if len(env.dispatcher.published) != 3 {
		t.Errorf("published = %d, want 3", len(env.dispatcher.published))
	}
	if len(env.attempts.rows) != 3 {
		t.Errorf("attempt rows = %d, want 3", len(env.attempts.rows))
	}
}

func TestHandle_Drops(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
	}{
		{
			name: "unknown event type",
			setup: func(env *testEnv) {
				delete(env.eventTypes.types, "app_1/user.created")
			},
		},
		{
			name: "disabled event type",
			setup: func(env *testEnv) {
				env.eventTypes.types["app_1/user.created"].Disabled = true
			},
		},
		{
			name: "missing event",
			setup: func(env *testEnv) {
				delete(env.events.events, "evt_1")
			},
		},
		{
			name: "no routings",
			setup: func(env *testEnv) {
				env.routings.endpoints = nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testEndpoints(2))
			tt.setup(env)

			if err := env.handler.Handle(context.Background(), testMessage(), nil); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if len(env.attempts.rows) != 0 {
				t.Errorf("expected no attempts, got %d", len(env.attempts.rows))
			}
			if len(env.dispatcher.published) != 0 {
				t.Errorf("expected no dispatches, got %d", len(env.dispatcher.published))
			}
			if len(env.retries.calls) != 0 {
				t.Errorf("expected no retry, got %d", len(env.retries.calls))
			}
		})
	}
}

func TestHandle_StoreErrorsRetry(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
	}{
		{"event type lookup", func(env *testEnv) { env.eventTypes.err = errors.New("db down") }},
		{"routing lookup", func(env *testEnv) { env.routings.err = errors.New("db down") }},
		{"attempt insert", func(env *testEnv) { env.attempts.createErr = errors.New("db down") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testEndpoints(1))
			tt.setup(env)

			if err := env.handler.Handle(context.Background(), testMessage(), nil); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if len(env.retries.calls) != 1 {
				t.Errorf("retries = %d, want 1", len(env.retries.calls))
			}
		})
	}
}

func TestHandle_BackoffGrowsWithRetryCount(t *testing.T) {
	tests := []struct {
		retryCount int
		wantTTL    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{4, 480 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry_%d", tt.retryCount), func(t *testing.T) {
			endpoints := testEndpoints(1)
			env := newTestEnv(t, endpoints)
			env.dispatcher.failURLs[endpoints[0].URL] = true

			headers := amqp.Table{"x-death": []interface{}{
				amqp.Table{"queue": broker.FanoutQueue, "count": int64(tt.retryCount)},
			}}
			if err := env.handler.Handle(context.Background(), testMessage(), headers); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if len(env.retries.calls) != 1 {
				t.Fatalf("retries = %d, want 1", len(env.retries.calls))
			}
			if got := env.retries.calls[0].ttl; got != tt.wantTTL {
				t.Errorf("ttl = %v, want %v", got, tt.wantTTL)
			}
			if got := env.retries.calls[0].retryCount; got != tt.retryCount+1 {
				t.Errorf("retry count = %d, want %d", got, tt.retryCount+1)
			}
		})
	}
}

func TestHandle_RetryBudgetExhausted(t *testing.T) {
	endpoints := testEndpoints(1)
	env := newTestEnv(t, endpoints)
	env.dispatcher.failURLs[endpoints[0].URL] = true

	err := env.handler.Handle(context.Background(), testMessage(), amqp.Table{broker.RetryCountHeader: int32(5)})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Handle() error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, ErrPartialDispatch) {
		t.Errorf("expected cause to be kept, got %v", err)
	}
	if len(env.retries.calls) != 0 {
		t.Errorf("expected no retry, got %d", len(env.retries.calls))
	}
}

func TestHandle_RetryInsertFailure(t *testing.T) {
	endpoints := testEndpoints(1)
	env := newTestEnv(t, endpoints)
	env.dispatcher.failURLs[endpoints[0].URL] = true
	env.retries.err = errors.New("channel closed")

	if err := env.handler.Handle(context.Background(), testMessage(), nil); err == nil {
		t.Fatal("expected an error so the message is dead-lettered")
	}
}

func TestHandle_EnqueueConcurrencyIsBounded(t *testing.T) {
	env := newTestEnv(t, testEndpoints(12), WithConcurrency(3))
	env.dispatcher.delay = 5 * time.Millisecond

	if err := env.handler.Handle(context.Background(), testMessage(), nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if env.dispatcher.peak > 3 {
		t.Errorf("peak concurrent publishes = %d, want <= 3", env.dispatcher.peak)
	}
	if len(env.dispatcher.published) != 12 {
		t.Errorf("published = %d, want 12", len(env.dispatcher.published))
	}
}
