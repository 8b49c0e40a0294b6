package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/quasar/internal/domain"
)

func (s *PostgresStore) SaveWireMessage(ctx context.Context, m *domain.StoredMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wire_messages (account_id, message_id, direction, peer_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, message_id) DO UPDATE SET
			direction = EXCLUDED.direction,
			peer_id = EXCLUDED.peer_id,
			body = EXCLUDED.body
	`, m.AccountID, m.MessageID, string(m.Direction), m.PeerID, m.Body, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save wire message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWireMessage(ctx context.Context, accountID, messageID string) (*domain.StoredMessage, error) {
	var (
		m         domain.StoredMessage
		direction string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, message_id, direction, peer_id, body, created_at
		FROM wire_messages
		WHERE account_id = $1 AND message_id = $2
	`, accountID, messageID).Scan(&m.AccountID, &m.MessageID, &direction, &m.PeerID, &m.Body, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrWireMessageNotFound, accountID, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wire message: %w", err)
	}
	m.Direction = domain.MessageDirection(direction)
	return &m, nil
}

func (s *PostgresStore) DeleteWireMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM wire_messages WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete wire messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
