package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/hookly/internal/domain"
)

type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// CreateMany inserts all attempts in one transaction. Rows whose idempotency key
// already exists are skipped, so a redelivered fan-out creates nothing new.
func (r *AttemptRepository) CreateMany(ctx context.Context, attempts []*domain.EventAttempt) (int, error) {
	if len(attempts) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO event_attempts (event_id, endpoint_id, status, idempotency_key, attempt_number)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	created := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, a := range attempts {
			batch.Queue(query, a.EventID, a.EndpointID, a.Status, a.IdempotencyKey, a.AttemptNumber)
		}

		br := tx.SendBatch(ctx, batch)
		for range attempts {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			created += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("create attempts: %w", err)
	}
	return created, nil
}

// ListWaiting returns the WAITING attempts of an event joined with their endpoints.
func (r *AttemptRepository) ListWaiting(ctx context.Context, eventID string) ([]domain.DispatchTarget, error) {
	const query = `
		SELECT a.id, e.url, e.method, e.headers, e.secret
		FROM event_attempts a
		JOIN endpoints e ON e.id = a.endpoint_id
		WHERE a.event_id = $1 AND a.status = 'WAITING'
		ORDER BY a.created_at
	`

	rows, err := r.pool.Query(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.DispatchTarget
	for rows.Next() {
		var t domain.DispatchTarget
		if err := rows.Scan(&t.AttemptID, &t.URL, &t.Method, &t.Headers, &t.Secret); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}

	return targets, rows.Err()
}

func (r *AttemptRepository) MarkEnqueued(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	const query = `
		UPDATE event_attempts
		SET status = 'ENQUEUED', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'WAITING'
	`

	tag, err := r.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Claim moves an attempt to PROCESSING. A PROCESSING attempt whose claim is
// older than visibility is taken over, which recovers work from crashed workers.
// When the update matches nothing, the status read in the same statement tells
// a finished attempt apart from one that will become claimable later.
func (r *AttemptRepository) Claim(ctx context.Context, id string, visibility time.Duration) (domain.ClaimResult, error) {
	const query = `
		WITH current AS (
			SELECT status FROM event_attempts WHERE id = $1
		), claimed AS (
			UPDATE event_attempts
			SET status = 'PROCESSING', claimed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			  AND (status = 'ENQUEUED'
			       OR (status = 'PROCESSING' AND claimed_at < NOW() - make_interval(secs => $2)))
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM claimed), (SELECT status FROM current)
	`

	var (
		acquired bool
		status   *string
	)
	if err := r.pool.QueryRow(ctx, query, id, visibility.Seconds()).Scan(&acquired, &status); err != nil {
		return domain.ClaimSkipped, err
	}
	if acquired {
		return domain.ClaimAcquired, nil
	}
	if status == nil {
		return domain.ClaimSkipped, nil
	}
	return domain.ClaimResultOf(domain.AttemptStatus(*status)), nil
}

// Finish records a terminal result for a claimed attempt.
func (r *AttemptRepository) Finish(ctx context.Context, id string, result domain.AttemptResult) (bool, error) {
	return r.update(ctx, id, result.Status, result, `status = 'PROCESSING'`)
}

// Requeue hands a claimed attempt back to ENQUEUED with the next attempt number.
func (r *AttemptRepository) Requeue(ctx context.Context, id string, result domain.AttemptResult) (bool, error) {
	return r.update(ctx, id, domain.AttemptStatusEnqueued, result, `status = 'PROCESSING'`)
}

func (r *AttemptRepository) MarkFailed(ctx context.Context, id string, result domain.AttemptResult) (bool, error) {
	return r.update(ctx, id, domain.AttemptStatusFailed, result, `status IN ('ENQUEUED', 'PROCESSING')`)
}

func (r *AttemptRepository) update(ctx context.Context, id string, status domain.AttemptStatus, result domain.AttemptResult, condition string) (bool, error) {
	query := `
		UPDATE event_attempts
		SET status = $2,
		    response_code = $3,
		    response_headers = $4,
		    duration_ms = $5,
		    attempt_number = $6,
		    updated_at = NOW()
		WHERE id = $1 AND ` + condition

	tag, err := r.pool.Exec(ctx, query,
		id,
		status,
		result.ResponseCode,
		result.ResponseHeaders,
		result.DurationMs,
		result.AttemptNumber,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AttemptRepository) ListByEvent(ctx context.Context, eventID string) ([]*domain.EventAttempt, error) {
	const query = `
		SELECT id, event_id, endpoint_id, status, idempotency_key, response_code,
		       response_headers, duration_ms, attempt_number, claimed_at, created_at, updated_at
		FROM event_attempts
		WHERE event_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.EventAttempt
	for rows.Next() {
		var a domain.EventAttempt
		err := rows.Scan(
			&a.ID,
			&a.EventID,
			&a.EndpointID,
			&a.Status,
			&a.IdempotencyKey,
			&a.ResponseCode,
			&a.ResponseHeaders,
			&a.DurationMs,
			&a.AttemptNumber,
			&a.ClaimedAt,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

func (r *AttemptRepository) CountByEvent(ctx context.Context, eventID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_attempts WHERE event_id = $1`, eventID).Scan(&count)
	return count, err
}
