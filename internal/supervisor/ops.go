package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// SendResult reports a completed outbound send.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// SendText sends a text message through the paced path: pacer admission,
// typing simulation, transport send, retry-store insert. Calls block until
// admitted and acknowledged, and within one account complete in call order.
func (s *Supervisor) SendText(ctx context.Context, accountID, toNumber, message string) (*SendResult, error) {
	return s.send(ctx, accountID, toNumber, message, protocol.Outgoing{
		Text: &protocol.OutgoingText{Text: message},
	})
}

// SendMedia sends a media message. Pacing and duplicate suppression key on
// the caption, file name and URL so repeated identical uploads are caught.
func (s *Supervisor) SendMedia(ctx context.Context, accountID, toNumber string, media *protocol.OutgoingMedia) (*SendResult, error) {
	fingerprint := media.Caption + "|" + media.FileName + "|" + media.URL
	return s.send(ctx, accountID, toNumber, fingerprint, protocol.Outgoing{Media: media})
}

func (s *Supervisor) send(ctx context.Context, accountID, toNumber, dupeBody string, out protocol.Outgoing) (*SendResult, error) {
	ctx, span := observability.StartSpan(ctx, "gateway.send",
		attribute.String("account.id", accountID))
	defer span.End()
	start := time.Now()

	rt, err := s.runtime(accountID)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	digits := normalizeNumber(toNumber)
	if digits == "" {
		err := domain.NewGatewayError(domain.KindInvalidInput, "recipient number is required")
		observability.SetSpanError(span, err)
		return nil, err
	}
	peerJID := protocol.UserJID(digits)

	ticket, err := s.pace.Admit(ctx, accountID, peerJID, []byte(dupeBody))
	if err != nil {
		if kind := domain.KindOf(err); kind != "" {
			metrics.PacerRejected(string(kind))
		}
		observability.SetSpanError(span, err)
		return nil, err
	}

	// Typing simulation runs before the frame goes out; presence errors
	// inside are swallowed.
	if sock := rt.Socket(); sock != nil {
		s.pace.SimulateTyping(ctx, sock, peerJID, len(dupeBody))
	}

	wire, err := rt.Send(ctx, peerJID, out)
	if err != nil {
		ticket.Abort()
		metrics.SendCompleted("error")
		observability.SetSpanError(span, err)
		return nil, err
	}
	ticket.Commit()

	// The post-send frame is what the network may ask to be resent.
	s.retry.Put(ctx, accountID, wire, domain.DirectionOut, peerJID)

	metrics.SendCompleted("ok")
	metrics.SendDuration(time.Since(start))
	observability.SetSpanOK(span)
	return &SendResult{MessageID: wire.ID(), Timestamp: time.Now().UTC()}, nil
}

// autoReplySend adapts the paced send for the auto-responder.
func (s *Supervisor) autoReplySend(ctx context.Context, accountID, toDigits, text string) error {
	_, err := s.SendText(ctx, accountID, toDigits, text)
	return err
}

// RequestQR ensures the account is pairing and returns the current QR
// data URL, which may still be empty while the transport warms up.
func (s *Supervisor) RequestQR(ctx context.Context, accountID string) (string, domain.AccountStatus, error) {
	s.mu.Lock()
	rt, ok := s.runtimes[accountID]
	s.mu.Unlock()

	if ok && !rt.Status().Terminal() {
		return rt.LastQR(), rt.Status(), nil
	}
	if err := s.StartAccount(ctx, accountID); err != nil {
		return "", domain.StatusError, err
	}
	rt, err := s.runtime(accountID)
	if err != nil {
		return "", domain.StatusError, err
	}
	return rt.LastQR(), rt.Status(), nil
}

// QR returns the pending QR code for an account, if any.
func (s *Supervisor) QR(accountID string) (string, domain.AccountStatus, error) {
	rt, err := s.runtime(accountID)
	if err != nil {
		return "", domain.StatusDisconnected, err
	}
	return rt.LastQR(), rt.Status(), nil
}

// Reconnect tears the account's runtime down (keeping auth state) and
// starts a fresh one.
func (s *Supervisor) Reconnect(ctx context.Context, accountID string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[accountID]
	if ok {
		delete(s.runtimes, accountID)
	}
	s.mu.Unlock()

	if ok {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rt.Stop(stopCtx)
		cancel()
	}
	return s.StartAccount(ctx, accountID)
}

// Logout invalidates the account session server-side and clears its auth.
func (s *Supervisor) Logout(ctx context.Context, accountID string) error {
	rt, err := s.runtime(accountID)
	if err != nil {
		return err
	}
	return rt.Logout(ctx)
}

// DeleteAccount removes the account everywhere: runtime, pacer state,
// store row (cascading to subscriptions) and subscription cache.
func (s *Supervisor) DeleteAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[accountID]
	delete(s.runtimes, accountID)
	metrics.SetActiveRuntimes(len(s.runtimes))
	s.mu.Unlock()

	if ok {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rt.Stop(stopCtx)
		cancel()
	}
	s.pace.ForgetAccount(accountID)
	s.queue.Invalidate(ctx, accountID)
	return s.st.DeleteAccount(ctx, accountID)
}

// AccountStatus reports the live runtime status, falling back to the
// stored row for accounts without a runtime.
func (s *Supervisor) AccountStatus(ctx context.Context, accountID string) (domain.AccountStatus, error) {
	s.mu.Lock()
	rt, ok := s.runtimes[accountID]
	s.mu.Unlock()
	if ok {
		return rt.Status(), nil
	}
	a, err := s.st.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// RequiredDelay surfaces the pacer's current delay estimate for an
// account, for retry-after hints.
func (s *Supervisor) RequiredDelay(accountID string) (time.Duration, error) {
	return s.pace.RequiredDelay(accountID)
}

// SendWebhookReply is the webhook-reply entry: the caller authenticates
// with a subscription secret instead of the account API key, and a loop
// guard caps replies per (account, number) so a subscriber answering its
// own events cannot spiral.
func (s *Supervisor) SendWebhookReply(ctx context.Context, accountID, toNumber, secret, message string) (*SendResult, error) {
	ok, err := s.VerifyWebhookSecret(ctx, accountID, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewGatewayError(domain.KindInvalidInput, "webhook secret does not match any active subscription")
	}
	if !s.replyGuard.Allow(accountID, normalizeNumber(toNumber)) {
		return nil, domain.NewCapError(domain.KindHourlyCap,
			"webhook reply loop guard: too many replies to this number", time.Minute)
	}
	return s.SendText(ctx, accountID, toNumber, message)
}

// VerifyWebhookSecret reports whether the secret matches any active
// subscription of the account (the webhook-reply authentication rule).
func (s *Supervisor) VerifyWebhookSecret(ctx context.Context, accountID, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	subs, err := s.st.ListWebhooks(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.IsActive && sub.Secret == secret {
			return true, nil
		}
	}
	return false, nil
}

func normalizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
