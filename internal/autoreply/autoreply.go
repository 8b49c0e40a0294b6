// Package autoreply generates responses to inbound direct messages via
// pluggable LLM provider adapters and sends them through the gateway's
// paced send path. Provider implementations live outside the gateway; the
// package defines their contract and the failover order across them.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// Message is one turn of the conversation passed to an adapter.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Adapter generates a reply from a conversation. All providers share this
// contract; adapters hold no mutable state shared across calls.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, messages []Message, system string) (string, error)
}

// ErrorCategory classifies adapter failures for failover decisions.
type ErrorCategory string

const (
	ErrorAuth      ErrorCategory = "auth"
	ErrorRateLimit ErrorCategory = "rate_limit"
	ErrorServer    ErrorCategory = "server"
)

// AdapterError tags a provider failure with its category.
type AdapterError struct {
	Provider string
	Category ErrorCategory
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter %s error: %v", e.Provider, e.Category, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// SendFunc delivers the generated reply. The supervisor wires this to its
// pacer-admitted send path; the responder never touches the transport.
type SendFunc func(ctx context.Context, accountID, toDigits, text string) error

const (
	loopGuardLimit  = 10
	loopGuardWindow = time.Minute
)

// Responder drives adapters in order and sends the first usable reply.
type Responder struct {
	adapters []Adapter
	system   string
	send     SendFunc
	guard    *LoopGuard
}

// New creates a Responder. system is the provider-agnostic system prompt.
func New(adapters []Adapter, system string, send SendFunc) *Responder {
	return &Responder{
		adapters: adapters,
		system:   system,
		send:     send,
		guard:    NewLoopGuard(),
	}
}

// Reply generates and sends a response for an inbound direct message. The
// per-(account, peer) loop guard caps replies at 10 per minute so two
// bots answering each other cannot spiral.
func (r *Responder) Reply(ctx context.Context, event *domain.MessageEvent) {
	if len(r.adapters) == 0 || event.Message == "" {
		return
	}
	if !r.guard.Allow(event.AccountID, event.Sender) {
		logging.Op().Warn("auto-reply loop guard tripped",
			"account", event.AccountID, "peer", event.Sender)
		return
	}

	text, err := r.generate(ctx, []Message{{Role: "user", Content: event.Message}})
	if err != nil {
		logging.Op().Error("auto-reply generation failed",
			"account", event.AccountID, "error", err)
		return
	}
	if text == "" {
		return
	}

	if err := r.send(ctx, event.AccountID, event.Sender, text); err != nil {
		if domain.KindOf(err) == domain.KindDuplicateBlocked {
			return
		}
		logging.Op().Error("auto-reply send failed",
			"account", event.AccountID, "peer", event.Sender, "error", err)
	}
}

// generate walks the adapter list. Rate-limit and server errors fall
// through to the next provider; auth errors are skipped and logged since
// retrying them is pointless until the key is fixed.
func (r *Responder) generate(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for _, adapter := range r.adapters {
		text, err := adapter.Generate(ctx, messages, r.system)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var ae *AdapterError
		if errors.As(err, &ae) && ae.Category == ErrorAuth {
			logging.Op().Error("auto-reply adapter auth failure",
				"provider", ae.Provider, "error", ae.Err)
			continue
		}
		logging.Op().Warn("auto-reply adapter failed, trying next",
			"provider", adapter.Name(), "error", err)
	}
	return "", fmt.Errorf("all adapters failed: %w", lastErr)
}

