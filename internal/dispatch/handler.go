// Package dispatch delivers one EventAttempt to its endpoint.
//
// A dispatch message is claimed in the database before any outbound call, so a
// duplicated message never causes a second delivery. A copy that finds the
// attempt claimed elsewhere comes back after the visibility timeout, in case
// that claim belonged to a worker that died. Failures either put the
// attempt back to ENQUEUED with a delayed copy on the retry queue, or mark it
// FAILED once the retry budget is spent.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/clock"
	"github.com/felipemaragno/hookly/internal/domain"
	"github.com/felipemaragno/hookly/internal/egress"
	"github.com/felipemaragno/hookly/internal/observability"
	"github.com/felipemaragno/hookly/internal/resilience"
	"github.com/felipemaragno/hookly/internal/retry"
)

const (
	DefaultConcurrency       = 100
	DefaultVisibilityTimeout = 15 * time.Second
	DefaultMaxRechecks       = 40

	// maxResponseDrain bounds how much of a response body is read so the
	// connection can go back to the pool.
	maxResponseDrain = 64 << 10
)

var (
	ErrRetryableStatus = errors.New("retryable status code")
	ErrRetryExhausted  = errors.New("retry budget exhausted")
	ErrClaimHeld       = errors.New("attempt is not claimable yet")
)

// AttemptStore is the part of repository.AttemptRepository the handler needs.
type AttemptStore interface {
	Claim(ctx context.Context, id string, visibility time.Duration) (domain.ClaimResult, error)
	Finish(ctx context.Context, id string, result domain.AttemptResult) (bool, error)
	Requeue(ctx context.Context, id string, result domain.AttemptResult) (bool, error)
	MarkFailed(ctx context.Context, id string, result domain.AttemptResult) (bool, error)
}

type EventStore interface {
	GetByID(ctx context.Context, id string) (*domain.Event, error)
}

type PayloadStore interface {
	Get(ctx context.Context, eventID string) (json.RawMessage, bool)
	SetIfAbsent(ctx context.Context, eventID string, payload json.RawMessage)
}

// RetryPublisher schedules delayed copies of a message. *broker.DispatchProducer
// implements it.
type RetryPublisher interface {
	InsertToRetryQueue(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount int) error
	InsertRecheck(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount, rechecks int) error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithRetryPolicy(p retry.Policy) HandlerOption {
	return func(h *Handler) {
		h.policy = p
	}
}

// WithRateLimiter paces outbound calls per endpoint URL.
func WithRateLimiter(rl *resilience.RateLimiterManager) HandlerOption {
	return func(h *Handler) {
		h.rateLimiter = rl
	}
}

// WithCircuitBreaker short-circuits calls to hosts that keep failing.
func WithCircuitBreaker(cb *resilience.CircuitBreakerManager) HandlerOption {
	return func(h *Handler) {
		h.breakers = cb
	}
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithClock(c clock.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = c
	}
}

// WithVisibilityTimeout sets how long a PROCESSING claim protects an attempt
// before another worker may take it over.
func WithVisibilityTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.visibility = d
	}
}

// WithMaxRechecks caps how many visibility windows a message waits in a row
// for an attempt it cannot claim.
func WithMaxRechecks(n int) HandlerOption {
	return func(h *Handler) {
		h.maxRechecks = n
	}
}

// WithConcurrency bounds outbound calls across the whole process.
func WithConcurrency(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRetryCounter overrides how the retry count is read from delivery headers.
func WithRetryCounter(fn func(amqp.Table) int) HandlerOption {
	return func(h *Handler) {
		h.retryCount = fn
	}
}

type Handler struct {
	attempts AttemptStore
	events   EventStore
	payloads PayloadStore
	retries  RetryPublisher
	client   *http.Client

	policy      retry.Policy
	visibility  time.Duration
	maxRechecks int
	sem         *semaphore.Weighted
	rateLimiter *resilience.RateLimiterManager
	breakers    *resilience.CircuitBreakerManager
	retryCount  func(amqp.Table) int
	queue       string

	metrics *observability.Metrics
	clock   clock.Clock
	logger  *slog.Logger
}

// NewHandler wires the dispatch stage. client should come from egress.New so
// outbound calls cannot reach private addresses.
func NewHandler(
	attempts AttemptStore,
	events EventStore,
	payloads PayloadStore,
	retries RetryPublisher,
	client *http.Client,
	opts ...HandlerOption,
) *Handler {
	queue := broker.DispatchQueueDefinition()

	h := &Handler{
		attempts:    attempts,
		events:      events,
		payloads:    payloads,
		retries:     retries,
		client:      client,
		policy:      retry.DispatchPolicy(),
		visibility:  DefaultVisibilityTimeout,
		maxRechecks: DefaultMaxRechecks,
		sem:         semaphore.NewWeighted(DefaultConcurrency),
		retryCount:  func(headers amqp.Table) int { return broker.RetryCount(headers, queue) },
		queue:       queue.Name,
		clock:       clock.RealClock{},
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// delivery is the observable result of one outbound call.
type delivery struct {
	statusCode int
	header     http.Header
	duration   time.Duration
	err        error
}

func (d delivery) result(status domain.AttemptStatus, attemptNumber int) domain.AttemptResult {
	r := domain.AttemptResult{
		Status:        status,
		AttemptNumber: attemptNumber,
	}
	if d.statusCode > 0 {
		code := d.statusCode
		r.ResponseCode = &code
		r.ResponseHeaders = d.header
	}
	if d.duration > 0 || d.statusCode > 0 {
		ms := d.duration.Milliseconds()
		r.DurationMs = &ms
	}
	return r
}

// Handle processes one dispatch message. A nil return acks the message; an
// error means the retry budget is gone and the message is dead-lettered.
func (h *Handler) Handle(ctx context.Context, msg broker.DispatchMessage, headers amqp.Table) error {
	retryCount := h.retryCount(headers)
	logger := h.logger.With(
		"attempt_id", msg.AttemptID,
		"event_id", msg.EventID,
		"retry_count", retryCount,
	)

	claim, err := h.attempts.Claim(ctx, msg.AttemptID, h.visibility)
	if err != nil {
		return h.retryUnclaimed(ctx, logger, msg, retryCount, fmt.Errorf("claim attempt: %w", err))
	}
	switch claim {
	case domain.ClaimSkipped:
		logger.Debug("attempt not claimable, skipping")
		return nil
	case domain.ClaimHeld:
		return h.recheck(ctx, logger, msg, retryCount, broker.RecheckCount(headers))
	}

	payload, err := h.loadPayload(ctx, msg.EventID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error("event not found, failing attempt")
		h.markFailed(ctx, logger, msg.AttemptID, delivery{}.result(domain.AttemptStatusFailed, retryCount+1))
		return nil
	}
	if err != nil {
		return h.scheduleRetry(ctx, logger, msg, retryCount, delivery{err: err})
	}

	d := h.deliver(ctx, msg, payload)

	if d.err != nil {
		if egress.IsNotPublicIP(d.err) || egress.IsUnresolvable(d.err) {
			logger.Warn("destination cannot be dialed, failing attempt",
				"url", msg.URL,
				"error", d.err,
			)
			h.metrics.ObserveDelivery(observability.OutcomeBlocked, d.duration)
			h.markFailed(ctx, logger, msg.AttemptID, d.result(domain.AttemptStatusFailed, retryCount+1))
			return nil
		}
		h.metrics.ObserveDelivery(observability.OutcomeRetryable, d.duration)
		return h.scheduleRetry(ctx, logger, msg, retryCount, d)
	}

	outcome := Classify(d.statusCode)
	h.metrics.ObserveDelivery(outcome.String(), d.duration)

	switch outcome {
	case Completed, Terminal:
		status := domain.AttemptStatusCompleted
		if outcome == Terminal {
			status = domain.AttemptStatusFailed
		}

		updated, err := h.attempts.Finish(ctx, msg.AttemptID, d.result(status, retryCount+1))
		if err != nil {
			return h.scheduleRetry(ctx, logger, msg, retryCount, delivery{err: fmt.Errorf("finish attempt: %w", err)})
		}
		if !updated {
			logger.Warn("attempt changed state during delivery, result not recorded",
				"status_code", d.statusCode,
			)
			return nil
		}

		logger.Debug("delivery finished",
			"status", status,
			"status_code", d.statusCode,
			"duration_ms", d.duration.Milliseconds(),
		)
		return nil

	default:
		d.err = fmt.Errorf("%w: %d", ErrRetryableStatus, d.statusCode)
		return h.scheduleRetry(ctx, logger, msg, retryCount, d)
	}
}

// scheduleRetry either re-enqueues the attempt behind a delayed retry copy or,
// when the budget is spent, fails the attempt and returns the error so the
// consumer dead-letters the message.
func (h *Handler) scheduleRetry(ctx context.Context, logger *slog.Logger, msg broker.DispatchMessage, retryCount int, d delivery) error {
	if !h.policy.CanRetry(retryCount) {
		logger.Warn("max retries reached, sending to dead-letter queue", "error", d.err)
		h.markFailed(ctx, logger, msg.AttemptID, d.result(domain.AttemptStatusFailed, retryCount+1))
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("%w: %w", ErrRetryExhausted, d.err)
	}

	next := retryCount + 1
	delay := h.policy.Delay(next)
	if d.statusCode == http.StatusTooManyRequests {
		delay = h.policy.ThrottledDelay(next, retryAfter(d.header, h.clock.Now()))
	}

	if _, err := h.attempts.Requeue(ctx, msg.AttemptID, d.result(domain.AttemptStatusEnqueued, retryCount+2)); err != nil {
		// The visibility timeout lets the retry copy reclaim a PROCESSING row.
		logger.Warn("failed to requeue attempt", "error", err)
	}

	if err := h.retries.InsertToRetryQueue(ctx, msg, h.policy.Priority, delay, next); err != nil {
		logger.Error("failed to schedule retry, sending to dead-letter queue",
			"error", err,
			"delivery_error", d.err,
		)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("schedule retry: %w", err)
	}

	h.metrics.RetryScheduled(h.queue)
	logger.Info("delivery failed, retry scheduled",
		"error", d.err,
		"status_code", d.statusCode,
		"delay_ms", delay.Milliseconds(),
	)
	return nil
}

// retryUnclaimed schedules a retry for a message whose claim failed. The
// attempt row is left alone since another worker may own it.
func (h *Handler) retryUnclaimed(ctx context.Context, logger *slog.Logger, msg broker.DispatchMessage, retryCount int, cause error) error {
	if !h.policy.CanRetry(retryCount) {
		logger.Warn("max retries reached before attempt was claimed, sending to dead-letter queue", "error", cause)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("%w: %w", ErrRetryExhausted, cause)
	}

	next := retryCount + 1
	delay := h.policy.Delay(next)
	if err := h.retries.InsertToRetryQueue(ctx, msg, h.policy.Priority, delay, next); err != nil {
		logger.Error("failed to schedule retry, sending to dead-letter queue",
			"error", err,
			"claim_error", cause,
		)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("schedule retry: %w", err)
	}

	h.metrics.RetryScheduled(h.queue)
	logger.Warn("claim failed, retry scheduled", "error", cause, "delay_ms", delay.Milliseconds())
	return nil
}

// recheck brings the message back after the visibility timeout. By then a
// claim left behind by a crashed worker is stale and can be taken over, and a
// WAITING attempt has normally been marked ENQUEUED by fan-out.
func (h *Handler) recheck(ctx context.Context, logger *slog.Logger, msg broker.DispatchMessage, retryCount, rechecks int) error {
	if rechecks >= h.maxRechecks {
		logger.Warn("attempt stayed unclaimable, sending to dead-letter queue", "rechecks", rechecks)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("%w after %d rechecks", ErrClaimHeld, rechecks)
	}

	if err := h.retries.InsertRecheck(ctx, msg, h.policy.Priority, h.visibility, retryCount, rechecks+1); err != nil {
		logger.Error("failed to schedule recheck, sending to dead-letter queue", "error", err)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("schedule recheck: %w", err)
	}

	logger.Debug("attempt held elsewhere, recheck scheduled",
		"rechecks", rechecks+1,
		"delay_ms", h.visibility.Milliseconds(),
	)
	return nil
}

func (h *Handler) markFailed(ctx context.Context, logger *slog.Logger, attemptID string, result domain.AttemptResult) {
	if _, err := h.attempts.MarkFailed(ctx, attemptID, result); err != nil {
		logger.Error("failed to mark attempt as failed", "error", err)
	}
}

// loadPayload reads the event payload from the cache, falling back to the
// event row and warming the cache on a miss.
func (h *Handler) loadPayload(ctx context.Context, eventID string) (json.RawMessage, error) {
	if payload, ok := h.payloads.Get(ctx, eventID); ok {
		return payload, nil
	}

	event, err := h.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	h.payloads.SetIfAbsent(ctx, eventID, event.Payload)
	return event.Payload, nil
}

func (h *Handler) deliver(ctx context.Context, msg broker.DispatchMessage, payload []byte) delivery {
	if h.rateLimiter != nil {
		if err := h.rateLimiter.Wait(ctx, msg.URL); err != nil {
			h.metrics.RateLimited(resilience.HostKey(msg.URL))
			return delivery{err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return delivery{err: fmt.Errorf("acquire delivery slot: %w", err)}
	}
	defer h.sem.Release(1)

	start := h.clock.Now()
	resp, err := h.execute(msg, func() (*http.Response, error) {
		return h.send(ctx, msg, payload)
	})
	d := delivery{duration: h.clock.Since(start)}

	if resp != nil {
		d.statusCode = resp.StatusCode
		d.header = resp.Header
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))
		_ = resp.Body.Close()
	}
	d.err = err
	return d
}

func (h *Handler) execute(msg broker.DispatchMessage, call func() (*http.Response, error)) (*http.Response, error) {
	if h.breakers == nil {
		return call()
	}
	return h.breakers.Do(msg.URL, call)
}

func (h *Handler) send(ctx context.Context, msg broker.DispatchMessage, payload []byte) (*http.Response, error) {
	method := msg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, msg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(SignatureHeader, Sign(msg.Secret, payload))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

// retryAfter parses a Retry-After header given either in seconds or as an
// HTTP date.
func retryAfter(header http.Header, now time.Time) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
