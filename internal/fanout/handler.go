// Package fanout expands an ingested event into one EventAttempt per routed
// endpoint and publishes a dispatch message for each.
//
// Every step can be repeated safely: attempts are created with a unique
// idempotency key and only attempts still WAITING are published, so a retried
// fan-out message picks up exactly the work a previous run left behind.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/domain"
	"github.com/felipemaragno/hookly/internal/observability"
	"github.com/felipemaragno/hookly/internal/repository"
	"github.com/felipemaragno/hookly/internal/retry"
)

const DefaultConcurrency = 50

var (
	ErrPartialDispatch = errors.New("partial dispatch")
	ErrRetryExhausted  = errors.New("retry budget exhausted")
)

// AttemptStore is the part of repository.AttemptRepository fan-out writes to.
type AttemptStore interface {
	CreateMany(ctx context.Context, attempts []*domain.EventAttempt) (int, error)
	ListWaiting(ctx context.Context, eventID string) ([]domain.DispatchTarget, error)
	MarkEnqueued(ctx context.Context, ids []string) (int, error)
}

type EventStore interface {
	GetByID(ctx context.Context, id string) (*domain.Event, error)
}

type PayloadStore interface {
	SetIfAbsent(ctx context.Context, eventID string, payload json.RawMessage)
}

// DispatchPublisher is implemented by *broker.DispatchProducer.
type DispatchPublisher interface {
	Dispatch(ctx context.Context, msg broker.DispatchMessage) error
}

// RetryPublisher is implemented by *broker.FanoutProducer.
type RetryPublisher interface {
	InsertToRetryQueue(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount int) error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithRetryPolicy(p retry.Policy) HandlerOption {
	return func(h *Handler) {
		h.policy = p
	}
}

// WithConcurrency bounds concurrent dispatch publishes per fan-out message.
func WithConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.concurrency = n
		}
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

func WithRetryCounter(fn func(amqp.Table) int) HandlerOption {
	return func(h *Handler) {
		h.retryCount = fn
	}
}

type Handler struct {
	eventTypes repository.EventTypeRepository
	events     EventStore
	routings   repository.RoutingRepository
	attempts   AttemptStore
	payloads   PayloadStore
	dispatcher DispatchPublisher
	retries    RetryPublisher

	policy      retry.Policy
	concurrency int
	retryCount  func(amqp.Table) int
	queue       string

	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewHandler(
	eventTypes repository.EventTypeRepository,
	events EventStore,
	routings repository.RoutingRepository,
	attempts AttemptStore,
	payloads PayloadStore,
	dispatcher DispatchPublisher,
	retries RetryPublisher,
	opts ...HandlerOption,
) *Handler {
	queue := broker.FanoutQueueDefinition()

	h := &Handler{
		eventTypes:  eventTypes,
		events:      events,
		routings:    routings,
		attempts:    attempts,
		payloads:    payloads,
		dispatcher:  dispatcher,
		retries:     retries,
		policy:      retry.FanoutPolicy(),
		concurrency: DefaultConcurrency,
		retryCount:  func(headers amqp.Table) int { return broker.RetryCount(headers, queue) },
		queue:       queue.Name,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handle runs Process and turns a failure into a delayed retry of the original
// message. Once the retry budget is spent the error is returned and the
// consumer dead-letters the message.
func (h *Handler) Handle(ctx context.Context, msg broker.FanoutMessage, headers amqp.Table) error {
	err := h.Process(ctx, msg)
	if err == nil {
		return nil
	}

	retryCount := h.retryCount(headers)
	logger := h.logger.With("event_id", msg.EventID, "retry_count", retryCount)

	if !h.policy.CanRetry(retryCount) {
		logger.Error("max retries reached, sending to dead-letter queue", "error", err)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("%w: %w", ErrRetryExhausted, err)
	}

	next := retryCount + 1
	delay := h.policy.Delay(next)
	if rerr := h.retries.InsertToRetryQueue(ctx, msg, h.policy.Priority, delay, next); rerr != nil {
		logger.Error("failed to schedule retry, sending to dead-letter queue",
			"error", rerr,
			"fanout_error", err,
		)
		h.metrics.DeadLetter(h.queue)
		return fmt.Errorf("schedule retry: %w", rerr)
	}

	h.metrics.RetryScheduled(h.queue)
	logger.Warn("fan-out failed, retry scheduled",
		"error", err,
		"delay_ms", delay.Milliseconds(),
	)
	return nil
}

// Process performs one fan-out run. Missing or disabled configuration drops
// the message by returning nil.
func (h *Handler) Process(ctx context.Context, msg broker.FanoutMessage) error {
	logger := h.logger.With("event_id", msg.EventID, "event_uid", msg.EventUID)

	eventType, err := h.eventTypes.GetByName(ctx, msg.ApplicationID, msg.EventType)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error("event type not found, dropping", "event_type", msg.EventType)
		h.metrics.Dropped("event_type_not_found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event type: %w", err)
	}
	if err := eventType.CheckEnabled(); err != nil {
		logger.Warn("event type disabled, dropping", "error", err)
		h.metrics.Dropped("event_type_disabled")
		return nil
	}

	var (
		event     *domain.Event
		endpoints []*domain.Endpoint
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := h.events.GetByID(gctx, msg.EventID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		event = e
		return nil
	})
	g.Go(func() error {
		eps, err := h.routings.ActiveEndpoints(gctx, msg.ApplicationID, eventType.ID)
		if err != nil {
			return fmt.Errorf("load routings: %w", err)
		}
		endpoints = eps
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if event == nil {
		logger.Error("event not found, dropping")
		h.metrics.Dropped("event_not_found")
		return nil
	}
	if len(endpoints) == 0 {
		logger.Warn("event has no endpoints, dropping")
		h.metrics.Dropped("no_routings")
		return nil
	}

	h.payloads.SetIfAbsent(ctx, event.ID, event.Payload)

	attempts := make([]*domain.EventAttempt, 0, len(endpoints))
	for _, ep := range endpoints {
		attempts = append(attempts, domain.NewWaitingAttempt(event.ID, ep.ID))
	}
	created, err := h.attempts.CreateMany(ctx, attempts)
	if err != nil {
		return fmt.Errorf("create attempts: %w", err)
	}

	targets, err := h.attempts.ListWaiting(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("list waiting attempts: %w", err)
	}
	if len(targets) == 0 {
		logger.Debug("no waiting attempts", "created", created)
		return nil
	}

	enqueued := h.enqueue(ctx, logger, msg, targets)

	if len(enqueued) > 0 {
		if _, err := h.attempts.MarkEnqueued(ctx, enqueued); err != nil {
			return fmt.Errorf("mark attempts enqueued: %w", err)
		}
	}

	if len(enqueued) != len(targets) {
		return fmt.Errorf("%w: %d of %d attempts enqueued for event %s",
			ErrPartialDispatch, len(enqueued), len(targets), event.ID)
	}

	h.metrics.FannedOut(created, len(enqueued))
	logger.Debug("event fanned out",
		"endpoints", len(endpoints),
		"created", created,
		"enqueued", len(enqueued),
	)
	return nil
}

// enqueue publishes one dispatch message per target and returns the attempt
// ids whose publish was confirmed.
func (h *Handler) enqueue(ctx context.Context, logger *slog.Logger, msg broker.FanoutMessage, targets []domain.DispatchTarget) []string {
	ok := make([]bool, len(targets))

	var g errgroup.Group
	g.SetLimit(h.concurrency)

	for i, target := range targets {
		g.Go(func() error {
			err := h.dispatcher.Dispatch(ctx, broker.DispatchMessage{
				EventID:   msg.EventID,
				EventUID:  msg.EventUID,
				AttemptID: target.AttemptID,
				URL:       target.URL,
				Method:    target.Method,
				Headers:   target.Headers,
				Secret:    target.Secret,
			})
			if err != nil {
				logger.Error("failed to enqueue dispatch", "attempt_id", target.AttemptID, "error", err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, 0, len(targets))
	for i, target := range targets {
		if ok[i] {
			ids = append(ids, target.AttemptID)
		}
	}
	return ids
}
