package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/cache"
	"github.com/felipemaragno/hookly/internal/domain"
	"github.com/felipemaragno/hookly/internal/observability"
	"github.com/felipemaragno/hookly/internal/repository"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// EventPublisher is implemented by *broker.FanoutProducer.
type EventPublisher interface {
	InsertEvent(ctx context.Context, msg broker.FanoutMessage) error
}

type AttemptLister interface {
	ListByEvent(ctx context.Context, eventID string) ([]*domain.EventAttempt, error)
}

// IdempotencyStore is implemented by *cache.IdempotencyStore.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key, fingerprint string) (*cache.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, scope, key, fingerprint string, statusCode int, body []byte) error
	Release(ctx context.Context, scope, key string) error
}

type Handler struct {
	eventTypes  repository.EventTypeRepository
	events      repository.EventRepository
	attempts    AttemptLister
	publisher   EventPublisher
	idempotency IdempotencyStore
	metrics     *observability.Metrics
	validate    *validator.Validate
	logger      *slog.Logger
}

func NewHandler(
	eventTypes repository.EventTypeRepository,
	events repository.EventRepository,
	attempts AttemptLister,
	publisher EventPublisher,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		eventTypes: eventTypes,
		events:     events,
		attempts:   attempts,
		publisher:  publisher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
}

// WithIdempotency enables Idempotency-Key handling on event creation.
func (h *Handler) WithIdempotency(store IdempotencyStore) *Handler {
	h.idempotency = store
	return h
}

func (h *Handler) WithMetrics(m *observability.Metrics) *Handler {
	h.metrics = m
	return h
}

type CreateEventRequest struct {
	EventType  string          `json:"eventType" validate:"required,max=255"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	ExternalID *string         `json:"externalId,omitempty" validate:"omitempty,min=1,max=255"`
}

type CreateEventResponse struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	EventType string    `json:"eventType"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	logger := observability.LoggerFromContext(r.Context()).With("application_id", appID)

	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, "eventType and payload are required")
		return
	}
	if err := domain.ValidatePayload(req.Payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}

	name := domain.NormalizeEventTypeName(req.EventType)
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "invalid event type name")
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	var fp string
	if key != "" && h.idempotency != nil {
		fp = fingerprint(name, req.Payload, req.ExternalID)
		record, acquired, err := h.idempotency.Begin(r.Context(), appID, key, fp)
		if err != nil {
			logger.Error("idempotency store unavailable", "error", err)
			h.respondError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !acquired {
			h.replay(w, record, fp)
			return
		}
	} else {
		key = ""
	}

	status, body := h.createEvent(r.Context(), logger, appID, name, req)

	if key != "" {
		h.finishIdempotency(r.Context(), logger, appID, key, fp, status, body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// createEvent persists and publishes the event, returning the response to send.
func (h *Handler) createEvent(ctx context.Context, logger *slog.Logger, appID, name string, req CreateEventRequest) (int, []byte) {
	eventType, err := h.eventTypes.GetByName(ctx, appID, name)
	if errors.Is(err, domain.ErrNotFound) {
		return errorBody(http.StatusNotFound, "event type not found")
	}
	if err != nil {
		logger.Error("failed to load event type", "error", err, "event_type", name)
		return errorBody(http.StatusInternalServerError, "failed to create event")
	}
	if err := eventType.CheckEnabled(); err != nil {
		return errorBody(http.StatusUnprocessableEntity, "event type is disabled")
	}

	event := &domain.Event{
		ID:            uuid.NewString(),
		UID:           "msg_" + uuid.NewString(),
		ApplicationID: appID,
		EventType:     name,
		ExternalID:    req.ExternalID,
		Payload:       req.Payload,
	}

	if err := h.events.Create(ctx, event); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return errorBody(http.StatusConflict, "event with this externalId already exists")
		}
		logger.Error("failed to create event", "error", err)
		return errorBody(http.StatusInternalServerError, "failed to create event")
	}

	err = h.publisher.InsertEvent(ctx, broker.FanoutMessage{
		EventID:       event.ID,
		EventUID:      event.UID,
		ApplicationID: appID,
		EventType:     name,
	})
	if err != nil {
		logger.Error("failed to publish event", "error", err, "event_id", event.ID)
		return errorBody(http.StatusInternalServerError, "failed to queue event")
	}

	if h.metrics != nil {
		h.metrics.EventsReceived.Inc()
	}

	body, _ := json.Marshal(CreateEventResponse{
		ID:        event.ID,
		UID:       event.UID,
		EventType: name,
		CreatedAt: event.CreatedAt,
	})
	return http.StatusAccepted, body
}

func (h *Handler) replay(w http.ResponseWriter, record *cache.IdempotencyRecord, fp string) {
	switch {
	case record.State == cache.IdempotencyProcessing:
		h.respondError(w, http.StatusConflict, "event processing already in progress")
	case !record.Matches(fp):
		h.respondError(w, http.StatusUnprocessableEntity, "invalid idempotency key for this payload")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(record.StatusCode)
		_, _ = w.Write(record.Body)
	}
}

// finishIdempotency stores the response for replay, or frees the key after a
// server error so the client can retry.
func (h *Handler) finishIdempotency(ctx context.Context, logger *slog.Logger, appID, key, fp string, status int, body []byte) {
	ctx = context.WithoutCancel(ctx)

	if status >= 500 {
		if err := h.idempotency.Release(ctx, appID, key); err != nil {
			logger.Warn("failed to release idempotency key", "error", err)
		}
		return
	}
	if err := h.idempotency.Complete(ctx, appID, key, fp, status, body); err != nil {
		logger.Warn("failed to store idempotent response", "error", err)
	}
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, event)
}

func (h *Handler) GetEventAttempts(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}

	attempts, err := h.attempts.ListByEvent(r.Context(), event.ID)
	if err != nil {
		h.logger.Error("failed to get attempts", "error", err, "event_id", event.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []*domain.EventAttempt{}
	}

	h.respondJSON(w, http.StatusOK, attempts)
}

// loadEvent resolves {eventID} and hides events of other applications.
func (h *Handler) loadEvent(w http.ResponseWriter, r *http.Request) (*domain.Event, bool) {
	appID := chi.URLParam(r, "appID")
	id := chi.URLParam(r, "eventID")

	event, err := h.events.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && event.ApplicationID != appID) {
		h.respondError(w, http.StatusNotFound, "event not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get event", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get event")
		return nil, false
	}
	return event, true
}

// fingerprint hashes the parts of a create request that must match on a
// replay. Re-encoding the payload sorts object keys.
func fingerprint(eventType string, payload json.RawMessage, externalID *string) string {
	var canonical any
	if err := json.Unmarshal(payload, &canonical); err != nil {
		canonical = string(payload)
	}
	data, _ := json.Marshal(map[string]any{
		"eventType":  eventType,
		"payload":    canonical,
		"externalId": externalID,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(status int, message string) (int, []byte) {
	body, _ := json.Marshal(errorResponse{Error: message})
	return status, body
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
