// Package store is the durable persistence layer: account rows, encrypted
// session blobs, webhook subscriptions, the delivery queue and stored wire
// messages. PostgresStore is the production implementation; MemoryStore
// backs component tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("store: account not found")
	ErrWebhookNotFound     = errors.New("store: webhook not found")
	ErrDeliveryNotFound    = errors.New("store: delivery job not found")
	ErrWireMessageNotFound = errors.New("store: wire message not found")
	ErrNotDeadLetter       = errors.New("store: delivery job is not dead-lettered")
)

// WebhookUpdate describes mutable subscription fields.
type WebhookUpdate struct {
	URL        *string
	Secret     *string
	Events     []string
	IsActive   *bool
	MaxRetries *int
}

// Store is the durable persistence interface consumed by the gateway.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// Accounts
	SaveAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error
	SetAccountPhoneNumber(ctx context.Context, id, phoneNumber string) error
	DeleteAccount(ctx context.Context, id string) error

	// Session blobs. Data is the authblob store encoding; "" means absent.
	SaveSessionData(ctx context.Context, accountID, data string, savedAt time.Time) error
	GetSessionData(ctx context.Context, accountID string) (string, error)
	ClearSessionData(ctx context.Context, accountID string) error

	// Webhook subscriptions
	CreateWebhook(ctx context.Context, w *domain.WebhookSubscription) error
	GetWebhook(ctx context.Context, id string) (*domain.WebhookSubscription, error)
	ListWebhooks(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error)
	UpdateWebhook(ctx context.Context, id string, update *WebhookUpdate) (*domain.WebhookSubscription, error)
	DeleteWebhook(ctx context.Context, id string) error

	// Delivery queue
	EnqueueDeliveryJob(ctx context.Context, job *domain.DeliveryJob) error
	GetDeliveryJob(ctx context.Context, id string) (*domain.DeliveryJob, error)
	ListDeliveryJobs(ctx context.Context, accountID string, limit int, statuses []domain.DeliveryStatus) ([]*domain.DeliveryJob, error)
	// AcquireDueDeliveryJobs claims up to batch due jobs by conditionally
	// transitioning pending|failed rows to processing, incrementing their
	// attempt count. Rows claimed by a concurrent worker are skipped.
	AcquireDueDeliveryJobs(ctx context.Context, batch int, now time.Time) ([]*domain.DeliveryJob, error)
	MarkDeliverySucceeded(ctx context.Context, id string, responseStatus int) error
	MarkDeliveryForRetry(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	MarkDeliveryDeadLetter(ctx context.Context, id, lastError string, responseStatus *int) error
	// RecoverStuckDeliveries resets processing rows whose updated_at is
	// older than the staleness window back to failed, due immediately.
	RecoverStuckDeliveries(ctx context.Context, staleness time.Duration) (int, error)
	RequeueDeadLetter(ctx context.Context, id string, maxRetries int) (*domain.DeliveryJob, error)

	// Wire messages
	SaveWireMessage(ctx context.Context, m *domain.StoredMessage) error
	GetWireMessage(ctx context.Context, accountID, messageID string) (*domain.StoredMessage, error)
	DeleteWireMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
