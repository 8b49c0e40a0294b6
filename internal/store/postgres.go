package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/internal/domain"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'initializing',
			phone_number TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL UNIQUE,
			session_data TEXT NOT NULL DEFAULT '',
			last_session_saved TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts(api_key)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			events JSONB NOT NULL DEFAULT '["message"]'::jsonb,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_account ON webhooks(account_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_delivery_queue (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL,
			webhook_id UUID NOT NULL,
			webhook_url TEXT NOT NULL,
			webhook_secret TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT,
			response_status INTEGER,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_queue_due ON webhook_delivery_queue(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_queue_account ON webhook_delivery_queue(account_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS wire_messages (
			account_id UUID NOT NULL,
			message_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			peer_id TEXT NOT NULL DEFAULT '',
			body BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wire_messages_created ON wire_messages(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *domain.Account) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal account metadata: %w", err)
	}
	if a.Metadata == nil {
		meta = []byte(`{}`)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts (id, name, description, status, phone_number, api_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			phone_number = EXCLUDED.phone_number,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.Name, a.Description, string(a.Status), a.PhoneNumber, a.APIKey, meta, a.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

const accountColumns = `id, name, description, status, phone_number, api_key, metadata, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a      domain.Account
		status string
		meta   []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &status, &a.PhoneNumber, &a.APIKey, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AccountStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal account metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE api_key = $1`, apiKey))
	if err == pgx.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by api key: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SetAccountPhoneNumber(ctx context.Context, id, phoneNumber string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET phone_number = $2, updated_at = $3
		WHERE id = $1 AND phone_number = ''
	`, id, phoneNumber, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set account phone number: %w", err)
	}
	// Zero rows means the number was already set on a previous ready
	// transition; the first value wins.
	_ = tag
	return nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SaveSessionData(ctx context.Context, accountID, data string, savedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET session_data = $2, last_session_saved = $3, updated_at = $3
		WHERE id = $1
	`, accountID, data, savedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

func (s *PostgresStore) GetSessionData(ctx context.Context, accountID string) (string, error) {
	var data string
	err := s.pool.QueryRow(ctx, `SELECT session_data FROM accounts WHERE id = $1`, accountID).Scan(&data)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return "", fmt.Errorf("get session data: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) ClearSessionData(ctx context.Context, accountID string) error {
	return s.SaveSessionData(ctx, accountID, "", time.Now().UTC())
}
