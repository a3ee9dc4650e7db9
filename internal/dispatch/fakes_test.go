package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/domain"
)

type attemptUpdate struct {
	op     string
	id     string
	result domain.AttemptResult
}

type fakeAttempts struct {
	mu        sync.Mutex
	status    map[string]domain.AttemptStatus
	claimErr  error
	finishErr error
	updates   []attemptUpdate
}

func newFakeAttempts(ids ...string) *fakeAttempts {
	f := &fakeAttempts{status: make(map[string]domain.AttemptStatus)}
	for _, id := range ids {
		f.status[id] = domain.AttemptStatusEnqueued
	}
	return f
}

// Claim treats every PROCESSING row as a fresh claim.
func (f *fakeAttempts) Claim(ctx context.Context, id string, visibility time.Duration) (domain.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return domain.ClaimSkipped, f.claimErr
	}
	if f.status[id] != domain.AttemptStatusEnqueued {
		return domain.ClaimResultOf(f.status[id]), nil
	}
	f.status[id] = domain.AttemptStatusProcessing
	return domain.ClaimAcquired, nil
}

func (f *fakeAttempts) Finish(ctx context.Context, id string, result domain.AttemptResult) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishErr != nil {
		return false, f.finishErr
	}
	return f.transition("finish", id, result.Status, result, domain.AttemptStatusProcessing), nil
}

func (f *fakeAttempts) Requeue(ctx context.Context, id string, result domain.AttemptResult) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transition("requeue", id, domain.AttemptStatusEnqueued, result, domain.AttemptStatusProcessing), nil
}

func (f *fakeAttempts) MarkFailed(ctx context.Context, id string, result domain.AttemptResult) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transition("fail", id, domain.AttemptStatusFailed, result, domain.AttemptStatusEnqueued, domain.AttemptStatusProcessing), nil
}

func (f *fakeAttempts) transition(op, id string, to domain.AttemptStatus, result domain.AttemptResult, from ...domain.AttemptStatus) bool {
	current := f.status[id]
	for _, s := range from {
		if current == s {
			f.status[id] = to
			f.updates = append(f.updates, attemptUpdate{op: op, id: id, result: result})
			return true
		}
	}
	return false
}

func (f *fakeAttempts) get(id string) domain.AttemptStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

func (f *fakeAttempts) last(t *testing.T) attemptUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		t.Fatal("expected an attempt update, got none")
	}
	return f.updates[len(f.updates)-1]
}

type fakeEvents struct {
	events map[string]*domain.Event
	gets   int
}

func (f *fakeEvents) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	f.gets++
	if e, ok := f.events[id]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

type fakePayloads struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func (f *fakePayloads) Get(ctx context.Context, eventID string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.data[eventID]
	return p, ok
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

type retryCall struct {
	msg        broker.DispatchMessage
	priority   uint8
	ttl        time.Duration
	retryCount int
	rechecks   int
	recheck    bool
}

type fakeRetries struct {
	mu    sync.Mutex
	err   error
	calls []retryCall
}

func (f *fakeRetries) InsertToRetryQueue(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, retryCall{
		msg:        msg.(broker.DispatchMessage),
		priority:   priority,
		ttl:        ttl,
		retryCount: retryCount,
	})
	return nil
}

func (f *fakeRetries) InsertRecheck(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount, rechecks int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, retryCall{
		msg:        msg.(broker.DispatchMessage),
		priority:   priority,
		ttl:        ttl,
		retryCount: retryCount,
		rechecks:   rechecks,
		recheck:    true,
	})
	return nil
}

// recordingServer answers every request with the configured status and keeps
// what it received.
type recordingServer struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	header   http.Header
	requests []*http.Request
	bodies   [][]byte
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	s := &recordingServer{status: status, header: http.Header{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, r)
		s.bodies = append(s.bodies, body)
		status := s.status
		for k, v := range s.header {
			w.Header()[k] = v
		}
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *recordingServer) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
