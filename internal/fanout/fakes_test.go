package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/domain"
)

type fakeEventTypes struct {
	types map[string]*domain.EventType
	err   error
}

func (f *fakeEventTypes) GetByName(ctx context.Context, applicationID, name string) (*domain.EventType, error) {
	if f.err != nil {
		return nil, f.err
	}
	if et, ok := f.types[applicationID+"/"+name]; ok {
		return et, nil
	}
	return nil, domain.ErrNotFound
}

type fakeEvents struct {
	events map[string]*domain.Event
}

func (f *fakeEvents) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	if e, ok := f.events[id]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

type fakeRoutings struct {
	endpoints map[string][]*domain.Endpoint
	err       error
}

func (f *fakeRoutings) ActiveEndpoints(ctx context.Context, applicationID, eventTypeID string) ([]*domain.Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.endpoints[eventTypeID], nil
}

// fakeAttempts mimics the unique idempotency key and the WAITING-scoped
// queries of the postgres repository.
type fakeAttempts struct {
	mu        sync.Mutex
	rows      []*domain.EventAttempt
	keys      map[string]bool
	endpoints map[string]*domain.Endpoint
	createErr error
	seq       int
}

func newFakeAttempts(endpoints ...*domain.Endpoint) *fakeAttempts {
	f := &fakeAttempts{keys: make(map[string]bool), endpoints: make(map[string]*domain.Endpoint)}
	for _, ep := range endpoints {
		f.endpoints[ep.ID] = ep
	}
	return f
}

func (f *fakeAttempts) CreateMany(ctx context.Context, attempts []*domain.EventAttempt) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	created := 0
	for _, a := range attempts {
		if f.keys[a.IdempotencyKey] {
			continue
		}
		f.seq++
		row := *a
		row.ID = fmt.Sprintf("att_%d", f.seq)
		f.rows = append(f.rows, &row)
		f.keys[a.IdempotencyKey] = true
		created++
	}
	return created, nil
}

func (f *fakeAttempts) ListWaiting(ctx context.Context, eventID string) ([]domain.DispatchTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var targets []domain.DispatchTarget
	for _, a := range f.rows {
		if a.EventID != eventID || a.Status != domain.AttemptStatusWaiting {
			continue
		}
		ep := f.endpoints[a.EndpointID]
		targets = append(targets, domain.DispatchTarget{
			AttemptID: a.ID,
			URL:       ep.URL,
			Method:    ep.Method,
			Headers:   ep.Headers,
			Secret:    ep.Secret,
		})
	}
	return targets, nil
}

func (f *fakeAttempts) MarkEnqueued(ctx context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for _, a := range f.rows {
		if want[a.ID] && a.Status == domain.AttemptStatusWaiting {
			a.Status = domain.AttemptStatusEnqueued
			n++
		}
	}
	return n, nil
}

func (f *fakeAttempts) countByStatus(status domain.AttemptStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.rows {
		if a.Status == status {
			n++
		}
	}
	return n
}

type fakePayloads struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func (f *fakePayloads) SetIfAbsent(ctx context.Context, eventID string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string]json.RawMessage)
	}
	if _, ok := f.data[eventID]; !ok {
		f.data[eventID] = payload
	}
}

var errPublish = errors.New("publish nacked")

// fakeDispatcher fails publishes for the endpoint URLs listed in failURLs.
type fakeDispatcher struct {
	mu        sync.Mutex
	failURLs  map[string]bool
	published []broker.DispatchMessage
	inflight  int
	peak      int
	delay     time.Duration
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg broker.DispatchMessage) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.failURLs[msg.URL] {
		return errPublish
	}
	f.published = append(f.published, msg)
	return nil
}

type retryCall struct {
	msg        broker.FanoutMessage
	priority   uint8
	ttl        time.Duration
	retryCount int
}

type fakeRetries struct {
	err   error
	calls []retryCall
}

func (f *fakeRetries) InsertToRetryQueue(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount int) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, retryCall{
		msg:        msg.(broker.FanoutMessage),
		priority:   priority,
		ttl:        ttl,
		retryCount: retryCount,
	})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
