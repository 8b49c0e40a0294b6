package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus values.
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusFailed     DeliveryStatus = "failed"
	DeliveryStatusSuccess    DeliveryStatus = "success"
	DeliveryStatusDeadLetter DeliveryStatus = "dead_letter"
)

// Terminal reports whether the status permits no further transition.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusDeadLetter
}

// DeliveryJob is one row in the durable webhook delivery queue. The URL and
// secret are snapshotted at enqueue time so later subscription edits do not
// rewrite in-flight jobs; WebhookID is a non-owning reference and the job
// may complete after the subscription is deleted.
type DeliveryJob struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	WebhookID      string          `json:"webhook_id"`
	WebhookURL     string          `json:"webhook_url"`
	WebhookSecret  string          `json:"webhook_secret,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxRetries     int             `json:"max_retries"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewDeliveryJob creates a pending job due immediately.
func NewDeliveryJob(sub *WebhookSubscription, payload json.RawMessage, maxRetries int) *DeliveryJob {
	if sub.MaxRetries > 0 {
		maxRetries = sub.MaxRetries
	}
	now := time.Now().UTC()
	return &DeliveryJob{
		ID:            uuid.NewString(),
		AccountID:     sub.AccountID,
		WebhookID:     sub.ID,
		WebhookURL:    sub.URL,
		WebhookSecret: sub.Secret,
		Payload:       payload,
		Status:        DeliveryStatusPending,
		MaxRetries:    maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MessageDirection of a stored wire message.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// StoredMessage is a recently seen wire-message held for retry-callback
// service. Body is the serialized transport frame, not the caller's input.
type StoredMessage struct {
	AccountID string           `json:"account_id"`
	MessageID string           `json:"message_id"`
	Direction MessageDirection `json:"direction"`
	PeerID    string           `json:"peer_id"`
	Body      []byte           `json:"body"`
	CreatedAt time.Time        `json:"created_at"`
}
