package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/quasar/internal/domain"
)

func (s *PostgresStore) EnqueueDeliveryJob(ctx context.Context, job *domain.DeliveryJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_delivery_queue
			(id, account_id, webhook_id, webhook_url, webhook_secret, payload, status,
			 attempt_count, max_retries, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.AccountID, job.WebhookID, job.WebhookURL, job.WebhookSecret,
		[]byte(job.Payload), string(job.Status), job.AttemptCount, job.MaxRetries,
		job.NextAttemptAt.UTC(), job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue delivery job: %w", err)
	}
	return nil
}

const deliveryColumns = `id, account_id, webhook_id, webhook_url, webhook_secret, payload,
	status, attempt_count, max_retries, next_attempt_at, last_error, response_status,
	created_at, updated_at`

func scanDeliveryJob(row pgx.Row) (*domain.DeliveryJob, error) {
	var (
		j         domain.DeliveryJob
		status    string
		payload   []byte
		lastError *string
	)
	if err := row.Scan(&j.ID, &j.AccountID, &j.WebhookID, &j.WebhookURL, &j.WebhookSecret,
		&payload, &status, &j.AttemptCount, &j.MaxRetries, &j.NextAttemptAt,
		&lastError, &j.ResponseStatus, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.DeliveryStatus(status)
	j.Payload = payload
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (s *PostgresStore) GetDeliveryJob(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	j, err := scanDeliveryJob(s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_delivery_queue WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListDeliveryJobs(ctx context.Context, accountID string, limit int, statuses []domain.DeliveryStatus) ([]*domain.DeliveryJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deliveryColumns + ` FROM webhook_delivery_queue WHERE account_id = $1`
	args := []any{accountID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		args = append(args, vals)
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery jobs: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.DeliveryJob, 0, limit)
	for rows.Next() {
		j, err := scanDeliveryJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list delivery jobs rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AcquireDueDeliveryJobs(ctx context.Context, batch int, now time.Time) ([]*domain.DeliveryJob, error) {
	if batch <= 0 {
		batch = 10
	}
	now = now.UTC()

	rows, err := s.pool.Query(ctx, `
		WITH candidate AS (
			SELECT id
			FROM webhook_delivery_queue
			WHERE status IN ('pending', 'failed')
			  AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE webhook_delivery_queue q
		SET status = 'processing',
			attempt_count = q.attempt_count + 1,
			updated_at = $2
		FROM candidate c
		WHERE q.id = c.id
		RETURNING `+qualified(deliveryColumns, "q")+`
	`, batch, now)
	if err != nil {
		return nil, fmt.Errorf("acquire delivery jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryJob
	for rows.Next() {
		j, err := scanDeliveryJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan acquired delivery job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("acquire delivery jobs rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkDeliverySucceeded(ctx context.Context, id string, responseStatus int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_delivery_queue
		SET status = 'success', response_status = $2, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, responseStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark delivery succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryForRetry(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_delivery_queue
		SET status = 'failed', last_error = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, id, lastError, nextAttemptAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark delivery for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryDeadLetter(ctx context.Context, id, lastError string, responseStatus *int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_delivery_queue
		SET status = 'dead_letter', last_error = $2, response_status = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN ('success', 'dead_letter')
	`, id, lastError, responseStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark delivery dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	return nil
}

func (s *PostgresStore) RecoverStuckDeliveries(ctx context.Context, staleness time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_delivery_queue
		SET status = 'failed', next_attempt_at = $1, last_error = 'recovered', updated_at = $1
		WHERE status = 'processing' AND updated_at < $2
	`, now, now.Add(-staleness))
	if err != nil {
		return 0, fmt.Errorf("recover stuck deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, id string, maxRetries int) (*domain.DeliveryJob, error) {
	now := time.Now().UTC()
	j, err := scanDeliveryJob(s.pool.QueryRow(ctx, `
		UPDATE webhook_delivery_queue
		SET status = 'pending', attempt_count = 0, max_retries = $2,
			next_attempt_at = $3, last_error = NULL, response_status = NULL, updated_at = $3
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING `+deliveryColumns+`
	`, id, maxRetries, now))
	if err == pgx.ErrNoRows {
		// Either missing or not dead-lettered; disambiguate for the caller.
		if _, getErr := s.GetDeliveryJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue dead letter: %w", err)
	}
	return j, nil
}

// qualified prefixes every column in a comma-separated list with a table
// alias, for RETURNING clauses on aliased updates.
func qualified(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
