// Package domain holds the core gateway types shared across components:
// accounts, webhook subscriptions, delivery jobs, stored wire messages and
// the canonical event shapes delivered to subscribers.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle status of a connected account.
type AccountStatus string

const (
	StatusInitializing AccountStatus = "initializing"
	StatusNeedsQR      AccountStatus = "needs_qr"
	StatusQRReady      AccountStatus = "qr_ready"
	StatusReady        AccountStatus = "ready"
	StatusReconnecting AccountStatus = "reconnecting"
	StatusDisconnected AccountStatus = "disconnected"
	StatusLoggedOut    AccountStatus = "logged_out"
	StatusError        AccountStatus = "error"
)

// Terminal reports whether the status ends a runtime's run. A fresh run may
// still be started by the supervisor afterwards.
func (s AccountStatus) Terminal() bool {
	switch s {
	case StatusDisconnected, StatusLoggedOut, StatusError:
		return true
	}
	return false
}

// accountTransitions enumerates the legal status edges.
var accountTransitions = map[AccountStatus][]AccountStatus{
	StatusInitializing: {StatusNeedsQR, StatusQRReady, StatusReady, StatusDisconnected, StatusError},
	StatusNeedsQR:      {StatusQRReady, StatusReady, StatusNeedsQR, StatusDisconnected, StatusError},
	StatusQRReady:      {StatusQRReady, StatusReady, StatusNeedsQR, StatusDisconnected, StatusError},
	StatusReady:        {StatusReconnecting, StatusLoggedOut, StatusDisconnected, StatusError},
	StatusReconnecting: {StatusReady, StatusLoggedOut, StatusDisconnected, StatusError},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to AccountStatus) bool {
	for _, t := range accountTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Account is the identity of one tenant endpoint.
type Account struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      AccountStatus     `json:"status"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	APIKey      string            `json:"api_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewAccount creates an account in the initializing state with a fresh id
// and API key.
func NewAccount(name, description string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      StatusInitializing,
		APIKey:      GenerateAPIKey(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// GenerateAPIKey returns a per-account random key: prefix plus 48 hex chars.
func GenerateAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has no usable entropy source
		panic("generate api key: " + err.Error())
	}
	return "qk_" + hex.EncodeToString(buf)
}

// WebhookSubscription binds an account to a customer callback URL.
type WebhookSubscription struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	Events     []string  `json:"events"`
	IsActive   bool      `json:"is_active"`
	MaxRetries int       `json:"max_retries,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewWebhookSubscription creates an active subscription. A nil events set
// defaults to {message}.
func NewWebhookSubscription(accountID, url, secret string, events []string) *WebhookSubscription {
	if len(events) == 0 {
		events = []string{"message"}
	}
	return &WebhookSubscription{
		ID:        uuid.NewString(),
		AccountID: accountID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
}

// Subscribed reports whether the subscription wants events of the given
// kind. The wildcard values "*" and "all" match every kind.
func (w *WebhookSubscription) Subscribed(kind string) bool {
	for _, e := range w.Events {
		if e == kind || e == "*" || e == "all" {
			return true
		}
	}
	return false
}
