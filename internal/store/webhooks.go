package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/quasar/internal/domain"
)

func (s *PostgresStore) CreateWebhook(ctx context.Context, w *domain.WebhookSubscription) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, account_id, url, secret, events, is_active, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.AccountID, w.URL, w.Secret, events, w.IsActive, w.MaxRetries, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

const webhookColumns = `id, account_id, url, secret, events, is_active, max_retries, created_at`

func scanWebhook(row pgx.Row) (*domain.WebhookSubscription, error) {
	var (
		w      domain.WebhookSubscription
		events []byte
	)
	if err := row.Scan(&w.ID, &w.AccountID, &w.URL, &w.Secret, &events, &w.IsActive, &w.MaxRetries, &w.CreatedAt); err != nil {
		return nil, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &w.Events); err != nil {
			return nil, fmt.Errorf("unmarshal webhook events: %w", err)
		}
	}
	return &w, nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks WHERE account_id = $1 ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookSubscription
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list webhooks rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, id string, update *WebhookUpdate) (*domain.WebhookSubscription, error) {
	current, err := s.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.URL != nil {
		current.URL = *update.URL
	}
	if update.Secret != nil {
		current.Secret = *update.Secret
	}
	if update.Events != nil {
		current.Events = update.Events
	}
	if update.IsActive != nil {
		current.IsActive = *update.IsActive
	}
	if update.MaxRetries != nil {
		current.MaxRetries = *update.MaxRetries
	}

	events, err := json.Marshal(current.Events)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook events: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET url = $2, secret = $3, events = $4, is_active = $5, max_retries = $6
		WHERE id = $1
	`, id, current.URL, current.Secret, events, current.IsActive, current.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	return current, nil
}

func (s *PostgresStore) DeleteWebhook(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	return nil
}
