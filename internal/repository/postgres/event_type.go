package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/hookly/internal/domain"
)

type EventTypeRepository struct {
	pool *pgxpool.Pool
}

func NewEventTypeRepository(pool *pgxpool.Pool) *EventTypeRepository {
	return &EventTypeRepository{pool: pool}
}

func (r *EventTypeRepository) GetByName(ctx context.Context, applicationID, name string) (*domain.EventType, error) {
	const query = `
		SELECT id, application_id, name, description, disabled, created_at
		FROM event_types
		WHERE application_id = $1 AND name = $2
	`

	var et domain.EventType
	err := r.pool.QueryRow(ctx, query, applicationID, name).Scan(
		&et.ID,
		&et.ApplicationID,
		&et.Name,
		&et.Description,
		&et.Disabled,
		&et.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &et, nil
}
