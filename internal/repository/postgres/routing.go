package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/hookly/internal/domain"
)

type RoutingRepository struct {
	pool *pgxpool.Pool
}

func NewRoutingRepository(pool *pgxpool.Pool) *RoutingRepository {
	return &RoutingRepository{pool: pool}
}

// ActiveEndpoints skips endpoints that are inactive or soft-deleted.
func (r *RoutingRepository) ActiveEndpoints(ctx context.Context, applicationID, eventTypeID string) ([]*domain.Endpoint, error) {
	const query = `
		SELECT e.id, e.application_id, e.url, e.method, e.headers, e.secret, e.is_active, e.created_at
		FROM endpoint_routings r
		JOIN endpoints e ON e.id = r.endpoint_id
		WHERE r.application_id = $1
		  AND r.event_type_id = $2
		  AND e.is_active = TRUE
		  AND e.deleted_at IS NULL
		ORDER BY e.created_at
	`

	rows, err := r.pool.Query(ctx, query, applicationID, eventTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*domain.Endpoint
	for rows.Next() {
		var ep domain.Endpoint
		err := rows.Scan(
			&ep.ID,
			&ep.ApplicationID,
			&ep.URL,
			&ep.Method,
			&ep.Headers,
			&ep.Secret,
			&ep.IsActive,
			&ep.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &ep)
	}

	return endpoints, rows.Err()
}
