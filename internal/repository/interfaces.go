package repository

import (
	"context"
	"time"

	"github.com/felipemaragno/hookly/internal/domain"
)

type EventTypeRepository interface {
	// GetByName returns domain.ErrNotFound when the application has no such type.
	GetByName(ctx context.Context, applicationID, name string) (*domain.EventType, error)
}

type EventRepository interface {
	// Create returns domain.ErrAlreadyExists when the external id is taken.
	Create(ctx context.Context, event *domain.Event) error
	GetByID(ctx context.Context, id string) (*domain.Event, error)
}

type RoutingRepository interface {
	// ActiveEndpoints lists live endpoints routed to an event type.
	ActiveEndpoints(ctx context.Context, applicationID, eventTypeID string) ([]*domain.Endpoint, error)
}

// AttemptRepository holds every state change an EventAttempt can go through.
// Conditional updates report whether a row was actually changed.
type AttemptRepository interface {
	// CreateMany inserts attempts, skipping ones whose idempotency key exists.
	CreateMany(ctx context.Context, attempts []*domain.EventAttempt) (int, error)
	ListWaiting(ctx context.Context, eventID string) ([]domain.DispatchTarget, error)
	MarkEnqueued(ctx context.Context, ids []string) (int, error)

	Claim(ctx context.Context, id string, visibility time.Duration) (domain.ClaimResult, error)
	Finish(ctx context.Context, id string, result domain.AttemptResult) (bool, error)
	Requeue(ctx context.Context, id string, result domain.AttemptResult) (bool, error)
	MarkFailed(ctx context.Context, id string, result domain.AttemptResult) (bool, error)

	ListByEvent(ctx context.Context, eventID string) ([]*domain.EventAttempt, error)
	CountByEvent(ctx context.Context, eventID string) (int, error)
}
