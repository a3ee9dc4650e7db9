package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/hookly/internal/domain"
)

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) Create(ctx context.Context, event *domain.Event) error {
	const query = `
		INSERT INTO events (id, uid, application_id, event_type, external_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		event.ID,
		event.UID,
		event.ApplicationID,
		event.EventType,
		event.ExternalID,
		event.Payload,
	).Scan(&event.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", event.UID, domain.ErrAlreadyExists)
	}
	return err
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	const query = `
		SELECT id, uid, application_id, event_type, external_id, payload, created_at
		FROM events
		WHERE id = $1
	`

	var event domain.Event
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&event.ID,
		&event.UID,
		&event.ApplicationID,
		&event.EventType,
		&event.ExternalID,
		&event.Payload,
		&event.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
