package pacer

import (
	"context"
	"math/rand"
	"time"

	"github.com/oriys/quasar/internal/protocol"
)

const (
	typingCharsPerSecond = 3.3
	typingMinDuration    = 1500 * time.Millisecond
	typingMaxDuration    = 8 * time.Second
)

// TypingDelay returns how long the composing indicator should be shown for
// a message of the given length: the simulated typing time clamped to a
// plausible range, plus jitter.
func (p *Pacer) TypingDelay(textLen int) time.Duration {
	d := time.Duration(float64(textLen) / typingCharsPerSecond * float64(time.Second))
	if d < typingMinDuration {
		d = typingMinDuration
	}
	if d > typingMaxDuration {
		d = typingMaxDuration
	}
	return d + p.jitter()
}

// SimulateTyping subscribes to the peer's presence, shows composing for
// the computed delay and then pauses. Presence failures are swallowed;
// they must never block the send. The sleep is cut short on ctx cancel.
func (p *Pacer) SimulateTyping(ctx context.Context, sock protocol.Socket, peerJID string, textLen int) {
	_ = sock.SubscribePresence(ctx, peerJID)
	_ = sock.SendChatState(ctx, peerJID, protocol.ChatStateComposing)
	select {
	case <-ctx.Done():
	case <-time.After(p.TypingDelay(textLen)):
	}
	_ = sock.SendChatState(ctx, peerJID, protocol.ChatStatePaused)
}

// PresenceInterval returns the next presence refresh delay for an account,
// drawn uniformly from the configured range so accounts never line up.
func (p *Pacer) PresenceInterval() time.Duration {
	min, max := p.cfg.PresenceMin, p.cfg.PresenceMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
